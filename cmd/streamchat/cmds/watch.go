package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/mirror"
)

type WatchCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*WatchCommand)(nil)

type WatchSettings struct {
	Websocket string `glazed:"websocket"`
	Format    string `glazed:"format"`
}

func NewWatchCommand(base config.Config) (*WatchCommand, error) {
	redis, err := redisSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Follow mirrored chat effects live"),
		cmds.WithLong(`Follow the chat effects another streamchat process publishes.

By default effects are read from Redis Streams. With --websocket the mirror
endpoint of a running "streamchat chat --mirror-addr" is used instead.`),
		cmds.WithFlags(
			fields.New("websocket", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Mirror URL, e.g. ws://localhost:8090/ws")),
			fields.New("format", fields.TypeChoice,
				fields.WithChoices("text", "json"),
				fields.WithDefault("text"),
				fields.WithHelp("Output format")),
		),
		cmds.WithSections(redis),
	)
	return &WatchCommand{CommandDescription: desc}, nil
}

func (c *WatchCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &WatchSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode watch settings")
	}
	p := &envelopePrinter{w: w, json: s.Format == "json"}

	if s.Websocket != "" {
		return watchWebsocket(ctx, s.Websocket, p)
	}

	redis, err := decodeRedis(parsed)
	if err != nil {
		return err
	}
	redis.Enabled = true
	bus, err := mirror.NewBus(ctx, redis)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	watcher := mirror.NewWatcher(bus.Subscriber, p.print)
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Close()
	log.Info().Str("component", "cmds").Str("addr", redis.Addr).Str("topic", mirror.Topic).Msg("watching effects")

	select {
	case <-ctx.Done():
	case <-watcher.Done():
	}
	return nil
}

func watchWebsocket(ctx context.Context, url string, p *envelopePrinter) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", url)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "read mirror")
		}
		var env mirror.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("component", "cmds").Msg("undecodable mirror message")
			continue
		}
		p.print(env, data)
	}
}

// envelopePrinter writes one line per mirrored effect.
type envelopePrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *envelopePrinter) print(env mirror.Envelope, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_, _ = fmt.Fprintln(p.w, string(raw))
		return
	}
	_, _ = fmt.Fprintln(p.w, formatEnvelope(env))
}

func formatEnvelope(env mirror.Envelope) string {
	session := "-"
	if env.SessionID != nil {
		session = fmt.Sprintf("%d", *env.SessionID)
	}
	e := env.Effect
	streamID := e.StreamID
	if len(streamID) > 8 {
		streamID = streamID[:8]
	}
	var detail string
	switch e.Kind {
	case chat.EffectToolStarted, chat.EffectToolCompleted:
		if e.Tool != nil {
			detail = e.Tool.Name
		}
	case chat.EffectToolSummary:
		names := make([]string, 0, len(e.Tools))
		for _, t := range e.Tools {
			names = append(names, t.Name)
		}
		detail = strings.Join(names, ", ")
	case chat.EffectError, chat.EffectStopped:
		detail = e.Display()
	default:
		detail = e.Text
	}
	return fmt.Sprintf("[session %s] %s %s %s", session, streamID, e.Kind, detail)
}
