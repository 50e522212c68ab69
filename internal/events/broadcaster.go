package events

import (
	"context"
	"encoding/json"

	"chathub/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Broadcaster 把领域事件发布到类型化频道。投递是尽力而为、至多一次：
// 发布失败只记日志，绝不回滚或影响已完成的持久化。
type Broadcaster interface {
	Publish(ctx context.Context, ch Channel, ev Event)
}

// RedisBroadcaster 经 Redis Pub/Sub 扇出事件，多实例共用同一存储层时
// 各实例都会收到并做本地投递。
type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ch Channel, ev Event) {
	payload, err := Encode(ch, ev)
	if err != nil {
		log.Error().Err(err).Str("channel", ch.Name()).Str("event", ev.EventType()).Msg("encode event")
		return
	}
	if err := b.client.Publish(ctx, ch.Name(), payload).Err(); err != nil {
		log.Warn().Err(err).Str("channel", ch.Name()).Str("event", ev.EventType()).Msg("publish event")
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ch.Kind)).Inc()
}

// Handler 接收订阅到的信封，由 ws 层做本地投递。
type Handler func(ch Channel, env Envelope, raw []byte)

// Subscriber 订阅全部聊天频道并逐条分发。
type Subscriber struct {
	client  *redis.Client
	handler Handler
}

func NewSubscriber(client *redis.Client, handler Handler) *Subscriber {
	return &Subscriber{client: client, handler: handler}
}

// Run 阻塞消费订阅流，ctx 取消后返回。
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.client.PSubscribe(ctx, channelPrefix+":*")
	defer func() { _ = pubsub.Close() }()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			ch, valid := ParseChannel(m.Channel)
			if !valid {
				log.Warn().Str("channel", m.Channel).Msg("drop event on unknown channel")
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Warn().Err(err).Str("channel", m.Channel).Msg("drop malformed event")
				continue
			}
			s.handler(ch, env, []byte(m.Payload))
		}
	}
}
