package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewClient returns a go-redis client for s.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr})
}

// BuildPublisher returns a Redis Streams publisher.
func BuildPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: build publisher")
	}
	return pub, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group and name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: build subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
