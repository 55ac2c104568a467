package cmds

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/mirror"
	"github.com/go-go-golems/streamchat/pkg/mockserver"
	"github.com/go-go-golems/streamchat/pkg/persistence/transcriptstore"
	"github.com/go-go-golems/streamchat/pkg/protocol"
)

func TestConfigPathFromArgs(t *testing.T) {
	require.Equal(t, "a.yaml", ConfigPathFromArgs([]string{"chat", "--config-file", "a.yaml"}))
	require.Equal(t, "b.yaml", ConfigPathFromArgs([]string{"--config-file=b.yaml", "ask", "hi"}))
	require.Equal(t, "", ConfigPathFromArgs([]string{"ask", "--config-file"}))
	require.Equal(t, "", ConfigPathFromArgs(nil))
}

func TestClientSettingsApply(t *testing.T) {
	s := &ClientSettings{
		ServerURL:     "http://backend:9000",
		SessionID:     7,
		RetryAttempts: 2,
		RetryBackoff:  "250ms",
		IdleTimeout:   "30s",
		RenderStyle:   "dark",
		SpeechCommand: "none",
		HistoryLimit:  20,
	}
	cfg, err := s.Apply(config.Default())
	require.NoError(t, err)
	require.Equal(t, "http://backend:9000", cfg.ServerURL)
	require.Equal(t, int64(7), *cfg.SessionID)
	require.Equal(t, 250*time.Millisecond, cfg.RetryInitialBackoff)
	require.Equal(t, 30*time.Second, cfg.IdleTimeout)
	require.Equal(t, 2, cfg.RetryPolicy().Retries)

	s.SessionID = 0
	cfg, err = s.Apply(config.Default())
	require.NoError(t, err)
	require.Nil(t, cfg.SessionID)

	s.IdleTimeout = "soon"
	_, err = s.Apply(config.Default())
	require.Error(t, err)

	s.IdleTimeout = ""
	s.ServerURL = "not a url"
	_, err = s.Apply(config.Default())
	require.Error(t, err)
}

func TestAskOnceWithTranscript(t *testing.T) {
	hs := httptest.NewServer(mockserver.New().Handler())
	defer hs.Close()

	cfg := config.Default()
	cfg.ServerURL = hs.URL
	cfg.TranscriptDB = filepath.Join(t.TempDir(), "transcripts.db")

	rt, err := NewRuntime(context.Background(), cfg, RuntimeOptions{Mirror: true})
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()

	var out, errOut bytes.Buffer
	require.NoError(t, askOnce(context.Background(), rt.Runner, "show my tasks", newPrintSink(&out, &errOut, true)))
	require.Equal(t, "You said: show my tasks\n", out.String())
	require.Contains(t, errOut.String(), "⚙ list_tasks")
	require.Contains(t, errOut.String(), "tools used: [list_tasks]")

	exchanges, err := rt.Store.List(context.Background(), transcriptstore.Query{})
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	require.Equal(t, "You said: show my tasks", exchanges[0].Answer)
}

func TestAskOnceServerError(t *testing.T) {
	hs := httptest.NewServer(mockserver.New(mockserver.WithScript(func(string) []protocol.Payload {
		return []protocol.Payload{{Content: "partial "}, {Error: "model overloaded"}}
	})).Handler())
	defer hs.Close()

	cfg := config.Default()
	cfg.ServerURL = hs.URL
	rt, err := NewRuntime(context.Background(), cfg, RuntimeOptions{})
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()

	var out, errOut bytes.Buffer
	err = askOnce(context.Background(), rt.Runner, "hi", newPrintSink(&out, &errOut, true))
	require.EqualError(t, err, "Error: model overloaded")
}

func TestPrintSinkRendered(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPrintSink(&out, &errOut, false)
	p.Emit(chat.Effect{Kind: chat.EffectPartial, Text: "**hi**"})
	require.Empty(t, out.String())
	p.Emit(chat.Effect{Kind: chat.EffectFinal, Text: "**hi**", Markup: "HI"})
	require.Equal(t, "HI\n", out.String())
}

func TestFormatEnvelope(t *testing.T) {
	id := int64(3)
	line := formatEnvelope(mirror.Envelope{
		SessionID: &id,
		Effect:    chat.Effect{Kind: chat.EffectToolStarted, StreamID: "0123456789abcdef", Tool: &chat.ToolInvocation{Name: "search"}},
	})
	require.Equal(t, "[session 3] 01234567 tool_started search", line)

	line = formatEnvelope(mirror.Envelope{Effect: chat.Effect{Kind: chat.EffectError, StreamID: "s", Transport: true}})
	require.Equal(t, "[session -] s error "+chat.ConnectionErrorText, line)
}
