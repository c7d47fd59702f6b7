// Package broadcast carries server-to-all relay events between hubs.
//
// With Redis disabled the bus is an in-process watermill channel. With Redis enabled,
// broadcasts travel over a Redis stream so every relay process fans them out to its
// own connections.
package broadcast

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/logging"
)

// Topic is the stream all relay broadcasts are published on.
const Topic = "chat-relay.broadcast"

// Bus publishes payloads on a topic and lets a single consumer per process read them.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	client *redis.Client
}

// NewBus builds an in-memory bus, or a Redis Streams bus when s.RedisEnabled is set.
func NewBus(ctx context.Context, s Settings) (*Bus, error) {
	logger := logging.NewWatermill(log.With().Str("component", "broadcast").Logger())
	if !s.RedisEnabled {
		// Blocking publish keeps typing on/off updates in order.
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{pub: ch, sub: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", s.RedisAddr)
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	consumer := strings.TrimSpace(s.RedisConsumer)
	if consumer == "" {
		consumer = "relay-" + uuid.NewString()
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.RedisGroup,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}
	if s.RedisGroup != "" {
		if err := ensureGroupAtTail(ctx, client, Topic, s.RedisGroup); err != nil {
			_ = sub.Close()
			_ = pub.Close()
			_ = client.Close()
			return nil, err
		}
	}
	log.Info().Str("component", "broadcast").Str("addr", s.RedisAddr).Str("group", s.RedisGroup).Str("consumer", consumer).Msg("using redis streams for broadcasts")
	return &Bus{pub: pub, sub: sub, client: client}, nil
}

// NewBusFrom wraps an existing publisher/subscriber pair.
func NewBusFrom(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{pub: pub, sub: sub}
}

func (b *Bus) Publish(topic string, payload []byte) error {
	if b == nil || b.pub == nil {
		return errors.New("broadcast bus is not initialized")
	}
	return b.pub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Consume subscribes to topic and calls handle for every message until ctx is done.
// Messages are acked after handle returns, so a slow handler applies backpressure.
func (b *Bus) Consume(ctx context.Context, topic string, handle func(payload []byte)) error {
	if b == nil || b.sub == nil {
		return errors.New("broadcast bus is not initialized")
	}
	ch, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	go func() {
		for msg := range ch {
			handle(msg.Payload)
			msg.Ack()
		}
		log.Debug().Str("component", "broadcast").Str("topic", topic).Msg("broadcast consumer stopped")
	}()
	return nil
}

// ensureGroupAtTail creates the consumer group at the stream tail ($) if it doesn't exist,
// so a new group does not replay old typing updates.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "broadcast").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			firstErr = err
		}
	}
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
