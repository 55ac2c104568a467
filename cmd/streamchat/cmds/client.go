package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/api"
	"github.com/go-go-golems/streamchat/pkg/chatrunner"
	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/mirror"
	"github.com/go-go-golems/streamchat/pkg/persistence/transcriptstore"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/render"
	"github.com/go-go-golems/streamchat/pkg/sessions"
	"github.com/go-go-golems/streamchat/pkg/speech"
	"github.com/go-go-golems/streamchat/pkg/stream"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

// ClientSlug is the section shared by every command that talks to the backend.
const ClientSlug = "client"

// ConfigFileFlag names the config file. It is read before the command tree is
// built, because the file supplies the flag defaults.
const ConfigFileFlag = "config-file"

type ClientSettings struct {
	ConfigFile    string `glazed:"config-file"`
	ServerURL     string `glazed:"server-url"`
	SessionID     int    `glazed:"session-id"`
	RetryAttempts int    `glazed:"retry-attempts"`
	RetryBackoff  string `glazed:"retry-backoff"`
	IdleTimeout   string `glazed:"idle-timeout"`
	TranscriptDB  string `glazed:"transcript-db"`
	RenderStyle   string `glazed:"render-style"`
	SpeechCommand string `glazed:"speech-command"`
	Voice         string `glazed:"voice"`
	Mute          bool   `glazed:"mute"`
	HistoryLimit  int    `glazed:"history-limit"`
}

// NewClientSection exposes cfg as flag defaults so flags are the last layer.
func NewClientSection(cfg config.Config) (schema.Section, error) {
	sessionID := 0
	if cfg.SessionID != nil {
		sessionID = int(*cfg.SessionID)
	}
	return schema.NewSection(
		ClientSlug,
		"Chat backend connection",
		schema.WithFields(
			fields.New(ConfigFileFlag, fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Config file (default ~/.config/streamchat/config.yaml)")),
			fields.New("server-url", fields.TypeString,
				fields.WithDefault(cfg.ServerURL),
				fields.WithShortFlag("s"),
				fields.WithHelp("Base URL of the chat backend")),
			fields.New("session-id", fields.TypeInteger,
				fields.WithDefault(sessionID),
				fields.WithHelp("Conversation to continue (0 = let the server decide)")),
			fields.New("retry-attempts", fields.TypeInteger,
				fields.WithDefault(cfg.RetryAttempts),
				fields.WithHelp("Retries of connection setup (0 = none)")),
			fields.New("retry-backoff", fields.TypeString,
				fields.WithDefault(cfg.RetryInitialBackoff.String()),
				fields.WithHelp("Initial retry backoff")),
			fields.New("idle-timeout", fields.TypeString,
				fields.WithDefault(cfg.IdleTimeout.String()),
				fields.WithHelp("Abort a stream that is silent this long (0s = never)")),
			fields.New("transcript-db", fields.TypeString,
				fields.WithDefault(cfg.TranscriptDB),
				fields.WithHelp("SQLite file recording completed exchanges (empty disables)")),
			fields.New("render-style", fields.TypeString,
				fields.WithDefault(cfg.RenderStyle),
				fields.WithHelp("Markdown style: auto, dark, light, dracula, notty")),
			fields.New("speech-command", fields.TypeString,
				fields.WithDefault(cfg.SpeechCommand),
				fields.WithHelp("Speech program: none, auto, say, espeak")),
			fields.New("voice", fields.TypeString,
				fields.WithDefault(cfg.Voice),
				fields.WithHelp("Voice passed to the speech program")),
			fields.New("mute", fields.TypeBool,
				fields.WithDefault(cfg.Mute),
				fields.WithHelp("Do not read answers aloud automatically")),
			fields.New("history-limit", fields.TypeInteger,
				fields.WithDefault(cfg.HistoryLimit),
				fields.WithHelp("Messages of history loaded on start")),
		),
	)
}

// Apply overlays the parsed flags on cfg and validates the result.
func (s *ClientSettings) Apply(cfg config.Config) (config.Config, error) {
	cfg.ServerURL = s.ServerURL
	cfg.SessionID = nil
	if s.SessionID > 0 {
		id := int64(s.SessionID)
		cfg.SessionID = &id
	}
	cfg.RetryAttempts = s.RetryAttempts
	var err error
	if cfg.RetryInitialBackoff, err = parseDuration("retry-backoff", s.RetryBackoff); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = parseDuration("idle-timeout", s.IdleTimeout); err != nil {
		return cfg, err
	}
	cfg.TranscriptDB = ""
	if s.TranscriptDB != "" {
		if cfg.TranscriptDB, err = config.ExpandPath(s.TranscriptDB); err != nil {
			return cfg, err
		}
	}
	cfg.RenderStyle = s.RenderStyle
	cfg.SpeechCommand = s.SpeechCommand
	cfg.Voice = s.Voice
	cfg.Mute = s.Mute
	cfg.HistoryLimit = s.HistoryLimit
	return cfg, cfg.Validate()
}

func parseDuration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid --%s", name)
	}
	return d, nil
}

// resolveConfig decodes the client section of parsed onto base.
func resolveConfig(base config.Config, parsed *values.Values) (config.Config, error) {
	s := &ClientSettings{}
	if err := parsed.DecodeSectionInto(ClientSlug, s); err != nil {
		return base, errors.Wrap(err, "decode client settings")
	}
	return s.Apply(base)
}

// RuntimeOptions select the optional parts of a Runtime.
type RuntimeOptions struct {
	// Renderer formats final answers. Nil renders nothing.
	Renderer render.Renderer
	// Mirror publishes every effect on the mirror bus.
	Mirror bool
	// Speech enables the configured speaker.
	Speech bool
}

// Runtime is the wired client for one command invocation.
type Runtime struct {
	Config config.Config
	Runner *chatrunner.Runner
	API    *api.Client
	Store  transcriptstore.Store
	Bus    *mirror.Bus
	Mirror *mirror.Publisher
}

func NewRuntime(ctx context.Context, cfg config.Config, opts RuntimeOptions) (*Runtime, error) {
	policy := cfg.RetryPolicy()
	client := api.NewClient(cfg.ServerURL, api.WithRetry(policy))
	streamer := stream.NewStreamer(cfg.ServerURL,
		stream.WithHTTPClient(transport.NewHTTPClient(0)),
		stream.WithRetry(policy),
		stream.WithIdleTimeout(cfg.IdleTimeout),
	)
	registry := sessions.New(cfg.SessionID)

	rt := &Runtime{Config: cfg, API: client}
	b := chatrunner.NewBuilder().
		WithStreamer(streamer).
		WithAPI(client).
		WithRegistry(registry).
		WithRenderer(opts.Renderer)

	if opts.Speech {
		speaker, err := speech.NewSpeaker(cfg.SpeechCommand, cfg.Voice)
		if err != nil {
			return nil, err
		}
		coord := speech.NewCoordinator(speaker)
		coord.SetMuted(cfg.Mute)
		b = b.WithSpeech(coord).WithAutoRead(cfg.SpeechCommand != "" && cfg.SpeechCommand != "none")
	} else {
		b = b.WithAutoRead(false)
	}

	if cfg.TranscriptDB != "" {
		store, err := transcriptstore.OpenFile(cfg.TranscriptDB)
		if err != nil {
			return nil, err
		}
		rt.Store = store
		b = b.WithTranscriptStore(store)
	}

	if opts.Mirror {
		bus, err := mirror.NewBus(ctx, cfg.Redis)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.Bus = bus
		rt.Mirror = mirror.NewPublisher(bus.Publisher, registry.CurrentPtr)
		b = b.WithSinks(rt.Mirror)
	}

	runner, err := b.Build()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Runner = runner
	log.Debug().Str("component", "cmds").Str("server", cfg.ServerURL).Bool("mirror", opts.Mirror).Bool("transcript", rt.Store != nil).Msg("runtime ready")
	return rt, nil
}

func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	if r.Runner != nil {
		r.Runner.Stop()
		r.Runner.WaitRefresh()
		if c := r.Runner.Speech(); c != nil {
			c.Stop()
		}
	}
	var first error
	if r.Mirror != nil {
		if err := r.Mirror.Close(); err != nil {
			log.Warn().Err(err).Str("component", "cmds").Msg("mirror publisher close")
		}
	}
	if r.Bus != nil {
		first = r.Bus.Close()
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// redisSection builds the redis section with defaults from cfg.
func redisSection(cfg config.Config) (schema.Section, error) {
	return redisstream.NewSection(cfg.Redis)
}

func decodeRedis(parsed *values.Values) (redisstream.Settings, error) {
	s := redisstream.Settings{}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &s); err != nil {
		return s, errors.Wrap(err, "decode redis settings")
	}
	return s, nil
}
