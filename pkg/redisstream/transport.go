package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport is the pub/sub used for message events: in-process gochannel by
// default, Redis Streams when enabled.
type Transport struct {
	settings Settings
	logger   watermill.LoggerAdapter

	publisher message.Publisher
	local     *gochannel.GoChannel
	client    redis.UniversalClient
}

// Build constructs the transport for s.
func Build(s Settings) (*Transport, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger := NewWatermillLogger(log.With().Str("component", "watermill").Logger())
	t := &Transport{settings: s, logger: logger}

	if !s.Enabled {
		t.local = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		t.publisher = t.local
		return t, nil
	}

	t.client = redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     t.client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = t.client.Close()
		return nil, errors.Wrap(err, "build redis publisher")
	}
	t.publisher = pub
	return t, nil
}

func (t *Transport) RedisEnabled() bool {
	return t != nil && t.settings.Enabled
}

func (t *Transport) Publisher() message.Publisher {
	if t == nil {
		return nil
	}
	return t.publisher
}

// Subscribe starts delivery of topic. The returned close func releases
// subscriber resources; cancelling ctx ends the channel.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, func() error, error) {
	if t == nil {
		return nil, nil, errors.New("transport is nil")
	}
	if ctx == nil {
		return nil, nil, errors.New("ctx is nil")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, nil, errors.New("topic is empty")
	}
	if !t.settings.Enabled {
		ch, err := t.local.Subscribe(ctx, topic)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() error { return nil }, nil
	}

	if err := EnsureGroupAtTail(ctx, t.client, topic, t.settings.Group); err != nil {
		return nil, nil, err
	}
	sub, err := BuildGroupSubscriber(t.client, t.settings.Group, t.settings.Consumer, t.logger)
	if err != nil {
		return nil, nil, err
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	return ch, sub.Close, nil
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	var firstErr error
	if t.publisher != nil {
		if err := t.publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group and name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if
// it doesn't exist, so a new group does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
