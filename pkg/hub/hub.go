package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/metrics"
	"github.com/stokerhq/stoker/pkg/types"
)

// Conn is one subscriber on the hub. Send must respect the context deadline;
// membership loss is observed lazily when a send fails.
type Conn interface {
	ID() string
	Send(ctx context.Context, n types.Notification) error
	Close() error
}

// Hub fans notifications out to every connected client without coupling
// their latencies. Broadcast snapshots the subscriber set under a short
// critical section and spawns one send goroutine per subscriber, so a stuck
// peer can never delay the others.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	sendTimeout time.Duration
	logger      zerolog.Logger
}

// subscriber chains sends per connection: each send waits for its
// predecessor before writing, which preserves per-subscriber broadcast
// order while keeping sends to different subscribers fully independent.
type subscriber struct {
	conn Conn

	mu   sync.Mutex
	tail chan struct{} // closed when the most recent send settles
}

// NewHub creates a hub. sendTimeout bounds each individual delivery,
// measured from broadcast; a subscriber that cannot keep up times out and
// is unregistered rather than queueing memory inside the hub.
func NewHub(sendTimeout time.Duration) *Hub {
	return &Hub{
		subs:        make(map[string]*subscriber),
		sendTimeout: sendTimeout,
		logger:      log.WithComponent("hub"),
	}
}

// Register adds a connection to the subscriber set.
func (h *Hub) Register(conn Conn) {
	closed := make(chan struct{})
	close(closed)

	h.mu.Lock()
	h.subs[conn.ID()] = &subscriber{conn: conn, tail: closed}
	count := len(h.subs)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(count))
	h.logger.Debug().Str("conn_id", conn.ID()).Int("subscribers", count).Msg("subscriber registered")
}

// Unregister removes a connection and closes it. Idempotent.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	if ok {
		delete(h.subs, connID)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}

	metrics.Subscribers.Set(float64(count))
	if err := sub.conn.Close(); err != nil {
		h.logger.Debug().Err(err).Str("conn_id", connID).Msg("subscriber close failed")
	}
	h.logger.Debug().Str("conn_id", connID).Int("subscribers", count).Msg("subscriber unregistered")
}

// Broadcast delivers n to all current subscribers and returns immediately.
// For a single subscriber, deliveries arrive in Broadcast call order; across
// subscribers there is no ordering.
func (h *Hub) Broadcast(n types.Notification) {
	h.mu.RLock()
	snapshot := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	for _, sub := range snapshot {
		sub.mu.Lock()
		prev := sub.tail
		next := make(chan struct{})
		sub.tail = next
		sub.mu.Unlock()

		go h.send(sub, prev, next, n)
	}
}

// send waits for the subscriber's previous delivery, then writes with the
// per-connection deadline. The deadline clock starts at broadcast, so a
// persistently slow peer times out and is dropped instead of accumulating
// pending sends.
func (h *Hub) send(sub *subscriber, prev <-chan struct{}, next chan<- struct{}, n types.Notification) {
	defer close(next)

	ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
	defer cancel()

	select {
	case <-prev:
	case <-ctx.Done():
		metrics.BroadcastFailures.Inc()
		h.logger.Debug().Str("conn_id", sub.conn.ID()).Msg("send timed out waiting for earlier delivery")
		h.Unregister(sub.conn.ID())
		return
	}

	if err := sub.conn.Send(ctx, n); err != nil {
		metrics.BroadcastFailures.Inc()
		h.logger.Debug().Err(err).Str("conn_id", sub.conn.ID()).Msg("send failed, dropping subscriber")
		h.Unregister(sub.conn.ID())
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Shutdown unregisters and closes every subscriber.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for id, sub := range subs {
		if err := sub.conn.Close(); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", id).Msg("subscriber close failed")
		}
	}
	metrics.Subscribers.Set(0)
}
