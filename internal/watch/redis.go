package watch

import (
	"context"

	"github.com/rs/zerolog/log"

	redisclient "github.com/qrpair/pairing-server/internal/redis"
)

// RedisBroker fans activations out across instances: Publish goes to a Redis
// channel per session, and each instance holds one Redis subscription per
// session that has local watchers.
type RedisBroker struct {
	redis   *redisclient.Client
	hub     *hub
	cancels map[string]context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRedisBroker(redisClient *redisclient.Client) *RedisBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroker{
		redis:   redisClient,
		hub:     newHub(),
		cancels: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.hub.onFirst = b.startSubscription
	b.hub.onLast = b.stopSubscription
	return b
}

func (b *RedisBroker) Publish(ctx context.Context, sessionID string) error {
	return b.redis.Publish(ctx, redisclient.ActivationChannel(sessionID), sessionID).Err()
}

func (b *RedisBroker) Subscribe(sessionID string) *Subscription {
	return b.hub.subscribe(sessionID)
}

func (b *RedisBroker) Unsubscribe(sub *Subscription) {
	b.hub.unsubscribe(sub)
}

func (b *RedisBroker) Close() {
	b.cancel()
	b.hub.closeAll()
}

func (b *RedisBroker) TotalSubscribers() int {
	return b.hub.count()
}

// startSubscription and stopSubscription run under the hub lock, so the
// Redis round trip happens on the subscription goroutine.
func (b *RedisBroker) startSubscription(sessionID string) {
	ctx, cancel := context.WithCancel(b.ctx)
	b.cancels[sessionID] = cancel

	go func() {
		channel := redisclient.ActivationChannel(sessionID)
		pubsub := b.redis.Subscribe(ctx, channel)
		defer pubsub.Close()

		log.Debug().
			Str("sessionId", sessionID).
			Str("channel", channel).
			Msg("redis pubsub subscribed")

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				b.hub.signal(sessionID)
			}
		}
	}()
}

func (b *RedisBroker) stopSubscription(sessionID string) {
	if cancel, ok := b.cancels[sessionID]; ok {
		cancel()
		delete(b.cancels, sessionID)
	}
}
