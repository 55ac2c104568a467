package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// SectionSlug is the glazed section holding the Redis settings.
const SectionSlug = "redis"

// Settings holds the Redis Streams transport used to mirror chat effects
// between processes.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" yaml:"enabled"`
	Addr     string `glazed:"redis-addr" yaml:"addr"`
	Group    string `glazed:"redis-group" yaml:"group"`
	Consumer string `glazed:"redis-consumer" yaml:"consumer"`
}

// DefaultSettings is the disabled transport pointing at a local Redis.
func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "streamchat",
		Consumer: "watch-1",
	}
}

// NewSection returns the glazed section for Redis settings with defaults
// taken from s.
func NewSection(s Settings) (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis Streams transport for the effect mirror",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(s.Enabled),
				fields.WithHelp("Mirror chat effects over Redis Streams instead of in-process")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault(s.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault(s.Group),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault(s.Consumer),
				fields.WithHelp("Redis consumer name")),
		),
	)
}
