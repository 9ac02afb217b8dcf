// Package eventbus implements the §4.6 EventBus: an in-process pub/sub
// with per-(user_id, strategy_id) isolation, bounded subscriber queues,
// a bounded history ring per key (retention only, never replayed), and a
// background reaper that drops dead keys. It is grounded on the
// teacher's single-callback notifier pattern (core/engine.go's
// `SetTradeNotifier`, bot/telegram.go's broadcast-to-chat-ids loop),
// generalized here from one global callback to many isolated,
// bounded-queue subscribers.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType enumerates the §4.6 SSE event families.
type EventType string

const (
	EventOrderUpdate      EventType = "order_update"
	EventPositionUpdate   EventType = "position_update"
	EventOrderBatchUpdate EventType = "order_batch_update"
	EventConnection       EventType = "connection"
	EventHeartbeat        EventType = "heartbeat"
	EventForceDisconnect  EventType = "force_disconnect"
)

// DisconnectReason is the closed set of §4.6 force_disconnect reasons.
type DisconnectReason string

const (
	ReasonPermissionRevoked  DisconnectReason = "permission_revoked"
	ReasonStrategyDeleted    DisconnectReason = "strategy_deleted"
	ReasonStrategyPrivatized DisconnectReason = "strategy_privatized"
	ReasonAccountDeactivated DisconnectReason = "account_deactivated"
)

// Event is one SSE message, framed as "event: <Type>\ndata: <json>\n\n"
// by Frame.
type Event struct {
	Type EventType
	Data interface{}
}

// Key identifies one isolated pub/sub channel.
type Key struct {
	UserID     uint
	StrategyID uint
}

// Queue is one bounded, ordered subscriber mailbox. Put blocks up to the
// bus's putTimeout; a timed-out Put marks the queue dead so the bus can
// evict it (§4.6 "puts that time out mark the client queue dead").
type Queue struct {
	ch   chan Event
	dead chan struct{}
	once sync.Once
}

func newQueue(maxSize int) *Queue {
	return &Queue{ch: make(chan Event, maxSize), dead: make(chan struct{})}
}

// Recv returns the channel a stream handler ranges over.
func (q *Queue) Recv() <-chan Event { return q.ch }

// Dead reports whether this queue has been evicted.
func (q *Queue) Dead() <-chan struct{} { return q.dead }

func (q *Queue) put(ev Event, timeout time.Duration) bool {
	select {
	case q.ch <- ev:
		return true
	case <-time.After(timeout):
		q.kill()
		return false
	}
}

func (q *Queue) kill() {
	q.once.Do(func() { close(q.dead) })
}

// Frame renders an Event in the §4.6 SSE wire format.
func Frame(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+32)
	out = append(out, "event: "...)
	out = append(out, ev.Type...)
	out = append(out, "\ndata: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out, nil
}

// AccessChecker decides whether a user may subscribe to a strategy's
// stream (owner or active subscriber, per §4.6) and whether the strategy
// is currently active (Emit silently drops events for inactive
// strategies).
type AccessChecker interface {
	CanAccess(userID, strategyID uint) (bool, error)
	IsActive(strategyID uint) (bool, error)
}

// Bus is the process-wide EventBus singleton.
type Bus struct {
	mu       sync.Mutex
	clients  map[Key]map[*Queue]struct{}
	history  map[Key][]Event
	maxQueue int
	histCap  int
	putWait  time.Duration
	access   AccessChecker
}

func New(access AccessChecker, maxQueue, histCap int, putWait time.Duration) *Bus {
	return &Bus{
		clients:  make(map[Key]map[*Queue]struct{}),
		history:  make(map[Key][]Event),
		maxQueue: maxQueue,
		histCap:  histCap,
		putWait:  putWait,
		access:   access,
	}
}

// Subscribe verifies access and registers a new bounded Queue for key.
func (b *Bus) Subscribe(userID, strategyID uint) (*Queue, error) {
	ok, err := b.access.CanAccess(userID, strategyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	key := Key{UserID: userID, StrategyID: strategyID}
	q := newQueue(b.maxQueue)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[key] == nil {
		b.clients[key] = make(map[*Queue]struct{})
	}
	b.clients[key][q] = struct{}{}
	return q, nil
}

// Unsubscribe removes one Queue from key's client set. Safe to call
// after the queue has already died.
func (b *Bus) Unsubscribe(userID, strategyID uint, q *Queue) {
	key := Key{UserID: userID, StrategyID: strategyID}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients[key], q)
}

// Emit validates strategy.is_active then fans the event out to every
// live subscriber of (userID, strategyID), appending it to that key's
// bounded history ring regardless of delivery outcome.
func (b *Bus) Emit(userID, strategyID uint, ev Event) error {
	active, err := b.access.IsActive(strategyID)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	key := Key{UserID: userID, StrategyID: strategyID}

	b.mu.Lock()
	b.appendHistory(key, ev)
	queues := make([]*Queue, 0, len(b.clients[key]))
	for q := range b.clients[key] {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		if !q.put(ev, b.putWait) {
			b.Unsubscribe(userID, strategyID, q)
			log.Warn().Uint("user_id", userID).Uint("strategy_id", strategyID).Msg("eventbus: subscriber queue timed out, evicted")
		}
	}
	return nil
}

// Broadcast calls Emit once per userID in recipients, so a single
// logical strategy event (a fill, a batch result) reaches every
// (owner, active subscriber) stream authorized to see it (§4.5 step 5,
// §4.6 worked example S4). IsActive is checked once per call by Emit
// itself; a single inactive strategy simply yields no deliveries.
func (b *Bus) Broadcast(recipients []uint, strategyID uint, ev Event) {
	for _, userID := range recipients {
		if err := b.Emit(userID, strategyID, ev); err != nil {
			log.Warn().Err(err).Uint("user_id", userID).Uint("strategy_id", strategyID).Msg("eventbus: broadcast emit failed")
		}
	}
}

func (b *Bus) appendHistory(key Key, ev Event) {
	h := append(b.history[key], ev)
	if len(h) > b.histCap {
		h = h[len(h)-b.histCap:]
	}
	b.history[key] = h
}

// DisconnectAll emits a terminal force_disconnect event then closes
// every queue registered for (userID, strategyID).
func (b *Bus) DisconnectAll(userID, strategyID uint, reason DisconnectReason) {
	key := Key{UserID: userID, StrategyID: strategyID}

	b.mu.Lock()
	queues := make([]*Queue, 0, len(b.clients[key]))
	for q := range b.clients[key] {
		queues = append(queues, q)
	}
	delete(b.clients, key)
	b.mu.Unlock()

	terminal := Event{Type: EventForceDisconnect, Data: map[string]string{"reason": string(reason)}}
	for _, q := range queues {
		q.put(terminal, b.putWait)
		q.kill()
	}
}

// Reap drops client sets with no live subscribers and their associated
// history, run on the §6 60s SSE-reaper cadence.
func (b *Bus) Reap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, set := range b.clients {
		if len(set) == 0 {
			delete(b.clients, key)
			delete(b.history, key)
		}
	}
}

// ErrForbidden is returned by Subscribe when the caller may not access
// the strategy's stream.
var ErrForbidden = errForbidden{}

type errForbidden struct{}

func (errForbidden) Error() string { return "not authorized to subscribe to this strategy stream" }
