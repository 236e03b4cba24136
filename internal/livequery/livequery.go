// Package livequery turns ledger reads into live queries: a subscription
// delivers the current result once and then a fresh result after every
// ledger mutation that could affect it.
//
// Mutations are announced on a watermill gochannel bus. Every change carries
// a sequence number; a subscription re-runs its query only for changes newer
// than the state it last delivered, so results are never delivered out of
// commit order and bursts of changes are coalesced into one fresh read.
package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/zulandar/palaver/internal/logging"
)

const changesTopic = "ledger.changes"

// Change announces one committed ledger mutation.
type Change struct {
	Seq            uint64 `json:"seq"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Query scopes a live query. An empty ConversationID watches every
// conversation of the user.
type Query struct {
	UserID         string
	ConversationID string
}

// Matches reports whether change c could affect the query's result.
func (q Query) Matches(c Change) bool {
	if c.UserID != q.UserID {
		return false
	}
	if q.ConversationID == "" || c.ConversationID == "" {
		return true
	}
	return q.ConversationID == c.ConversationID
}

// Bus fans ledger changes out to live queries. It implements
// ledger.ChangeNotifier.
type Bus struct {
	pubsub *gochannel.GoChannel
	seq    atomic.Uint64
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	subs   sync.WaitGroup
}

// NewBus creates a Bus.
func NewBus(logger zerolog.Logger) *Bus {
	logger = logger.With().Str("component", "livequery").Logger()
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logging.NewWatermill(logger)),
		logger: logger,
	}
}

// Notify announces a committed mutation. It never blocks on subscribers.
func (b *Bus) Notify(userID, conversationID string) {
	c := Change{
		Seq:            b.seq.Add(1),
		UserID:         userID,
		ConversationID: conversationID,
	}
	payload, err := json.Marshal(c)
	if err != nil {
		b.logger.Error().Err(err).Msg("marshal change")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(changesTopic, msg); err != nil {
		b.logger.Debug().Err(err).Uint64("seq", c.Seq).Msg("change not published")
	}
}

// Seq returns the sequence number of the latest announced change.
func (b *Bus) Seq() uint64 {
	return b.seq.Load()
}

// Close stops every subscription and releases the bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.subs.Wait()
	if err != nil {
		return fmt.Errorf("livequery: close: %w", err)
	}
	return nil
}

// Subscription is an active live query. It stays active until Close is
// called, its context is cancelled, or the bus is closed.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops deliveries and waits for an in-progress delivery to return.
// It must not be called from inside the deliver callback.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Watch runs fetch and hands its result to deliver, first immediately and
// then after every matching change. Deliveries for one subscription are
// sequential; subscriptions never wait on each other. A failed fetch is
// logged and skipped.
func Watch[T any](ctx context.Context, b *Bus, q Query, fetch func(context.Context) (T, error), deliver func(T)) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("livequery: bus is closed")
	}
	b.subs.Add(1)
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(ctx, changesTopic)
	if err != nil {
		cancel()
		b.subs.Done()
		return nil, fmt.Errorf("livequery: subscribe: %w", err)
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	logger := b.logger.With().Str("user_id", q.UserID).Str("conversation_id", q.ConversationID).Logger()

	go func() {
		defer b.subs.Done()
		defer close(sub.done)
		defer cancel()

		var seen uint64
		run := func() {
			// Every change up to this sequence number is already committed
			// and therefore visible to the read below.
			seen = b.seq.Load()
			result, err := fetch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("live query fetch failed")
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			deliver(result)
		}

		run()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				msg.Ack()

				var c Change
				if err := json.Unmarshal(msg.Payload, &c); err != nil {
					logger.Error().Err(err).Msg("decode change")
					continue
				}
				if c.Seq <= seen || !q.Matches(c) {
					continue
				}
				run()
			}
		}
	}()

	return sub, nil
}
