package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccess struct {
	allowed map[uint]bool
	active  bool
}

func (f *fakeAccess) CanAccess(userID, strategyID uint) (bool, error) {
	return f.allowed[userID], nil
}
func (f *fakeAccess) IsActive(strategyID uint) (bool, error) { return f.active, nil }

func TestSubscribeForbidden(t *testing.T) {
	bus := New(&fakeAccess{allowed: map[uint]bool{}, active: true}, 50, 100, time.Second)
	_, err := bus.Subscribe(1, 1)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEmitDeliversToSubscriberOnly(t *testing.T) {
	bus := New(&fakeAccess{allowed: map[uint]bool{1: true}, active: true}, 50, 100, time.Second)
	q, err := bus.Subscribe(1, 10)
	require.NoError(t, err)

	err = bus.Emit(1, 10, Event{Type: EventOrderUpdate, Data: map[string]string{"status": "FILLED"}})
	require.NoError(t, err)

	select {
	case ev := <-q.Recv():
		assert.Equal(t, EventOrderUpdate, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}

	// A different (user, strategy) key must never see this event.
	other, err := bus.Subscribe(1, 11)
	require.NoError(t, err)
	select {
	case <-other.Recv():
		t.Fatal("cross-key leak: event visible on unrelated stream")
	default:
	}
}

func TestEmitSkippedWhenStrategyInactive(t *testing.T) {
	access := &fakeAccess{allowed: map[uint]bool{1: true}, active: false}
	bus := New(access, 50, 100, time.Second)
	q, err := bus.Subscribe(1, 10)
	require.NoError(t, err)

	require.NoError(t, bus.Emit(1, 10, Event{Type: EventOrderUpdate}))

	select {
	case <-q.Recv():
		t.Fatal("expected no delivery while strategy is inactive")
	default:
	}
}

func TestPutTimeoutEvictsDeadQueue(t *testing.T) {
	bus := New(&fakeAccess{allowed: map[uint]bool{1: true}, active: true}, 1, 10, 5*time.Millisecond)
	q, err := bus.Subscribe(1, 10)
	require.NoError(t, err)

	// Fill the bounded queue (size 1) so the next put times out.
	require.NoError(t, bus.Emit(1, 10, Event{Type: EventOrderUpdate}))
	require.NoError(t, bus.Emit(1, 10, Event{Type: EventOrderUpdate}))

	select {
	case <-q.Dead():
	case <-time.After(time.Second):
		t.Fatal("expected queue to be marked dead after put timeout")
	}
}

func TestDisconnectAllClosesQueues(t *testing.T) {
	bus := New(&fakeAccess{allowed: map[uint]bool{1: true}, active: true}, 50, 100, time.Second)
	q, err := bus.Subscribe(1, 10)
	require.NoError(t, err)

	bus.DisconnectAll(1, 10, ReasonStrategyPrivatized)

	select {
	case ev := <-q.Recv():
		assert.Equal(t, EventForceDisconnect, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected terminal force_disconnect event")
	}
	<-q.Dead()
}

func TestReapDropsEmptyKeys(t *testing.T) {
	bus := New(&fakeAccess{allowed: map[uint]bool{1: true}, active: true}, 50, 100, time.Second)
	q, err := bus.Subscribe(1, 10)
	require.NoError(t, err)
	bus.Unsubscribe(1, 10, q)

	bus.Reap()

	bus.mu.Lock()
	_, exists := bus.clients[Key{UserID: 1, StrategyID: 10}]
	bus.mu.Unlock()
	assert.False(t, exists)
}

func TestBroadcastDeliversToEveryRecipientKey(t *testing.T) {
	access := &fakeAccess{allowed: map[uint]bool{1: true, 2: true}, active: true}
	bus := New(access, 50, 100, time.Second)
	q1, err := bus.Subscribe(1, 10)
	require.NoError(t, err)
	q2, err := bus.Subscribe(2, 10)
	require.NoError(t, err)

	bus.Broadcast([]uint{1, 2}, 10, Event{Type: EventOrderUpdate, Data: map[string]string{"status": "FILLED"}})

	for _, q := range []*Queue{q1, q2} {
		select {
		case ev := <-q.Recv():
			assert.Equal(t, EventOrderUpdate, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("expected event delivery to every broadcast recipient")
		}
	}
}

func TestFrameWireFormat(t *testing.T) {
	raw, err := Frame(Event{Type: EventHeartbeat, Data: map[string]string{"ts": "now"}})
	require.NoError(t, err)
	assert.Equal(t, "event: heartbeat\ndata: {\"ts\":\"now\"}\n\n", string(raw))
}
