// Package mirror republishes chat effects on a message bus so other
// processes and browser tabs can follow a conversation live.
package mirror

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/redisstream"
)

// Topic carries every mirrored effect.
const Topic = "streamchat.effects"

// Bus is a publisher and subscriber pair on one transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []func() error
}

// NewInMemoryBus returns a gochannel bus local to this process. Publish
// waits for subscriber acks so watchers see effects in emission order; the
// wait happens on the Publisher's drain goroutine, never on a stream.
func NewInMemoryBus() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(log.Logger))
	return &Bus{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}
}

// NewBus picks Redis Streams when enabled and the in-memory bus otherwise.
// With Redis the consumer group is created at the tail so a new watcher
// does not replay old conversations.
func NewBus(ctx context.Context, s redisstream.Settings) (*Bus, error) {
	if !s.Enabled {
		return NewInMemoryBus(), nil
	}
	logger := NewWatermillLogger(log.Logger)
	client := redisstream.NewClient(s)
	if err := redisstream.EnsureGroupAtTail(ctx, client, Topic, s.Group); err != nil {
		_ = client.Close()
		return nil, err
	}
	pub, err := redisstream.BuildPublisher(client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sub, err := redisstream.BuildGroupSubscriber(client, s.Group, s.Consumer, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}
	return &Bus{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = errors.Wrap(err, "mirror: close bus")
		}
	}
	b.closers = nil
	return first
}
