package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kwh-ledger/ledger"
	"github.com/warp/kwh-ledger/ledger/store"
	"github.com/warp/kwh-ledger/notify"
)

type recordingPublisher struct {
	mu      sync.Mutex
	got     []ledger.Event
	failFor map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, ev ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[ev.ID]; err != nil {
		return err
	}
	p.got = append(p.got, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []ledger.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ledger.EventKind
	for _, ev := range p.got {
		out = append(out, ev.Kind)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewEngine(mem, ledger.DefaultLimits(), ledger.MustQuantity("1"), quietLogger()), mem
}

// ===== DELIVERY =====

func TestFlush_PublishesInOrderAndMarksSent(t *testing.T) {
	ctx := context.Background()
	engine, mem := newEngine(t)

	// GIVEN: a credit and a declaration each queue one event
	_, err := engine.Adjust(ctx, ledger.AdjustCmd{User: "alice", Amount: ledger.MustQuantity("10"), Actor: "admin"})
	require.NoError(t, err)
	_, err = engine.CreateRequest(ctx, ledger.CreateRequestCmd{
		Requester: "alice", Amount: ledger.MustQuantity("2"), EvidenceRef: "photo-1",
	})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	relay := notify.NewRelay(mem, pub, quietLogger())

	// WHEN: the relay flushes
	res, err := relay.Flush(ctx)

	// THEN: events go out oldest first and are not sent again
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, []ledger.EventKind{ledger.EventBalanceChanged, ledger.EventRequestCreated}, pub.kinds())

	pending, err := mem.PendingEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
}

func TestFlush_FailedEventIsRetriedUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ev, err := ledger.NewEvent(ledger.EventBalanceChanged, "bob", map[string]string{"k": "v"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, mem.EnqueueEvent(ctx, ev))

	pub := &recordingPublisher{failFor: map[string]error{ev.ID: errors.New("broker down")}}
	relay := notify.NewRelay(mem, pub, quietLogger())
	relay.MaxAttempts = 2

	// WHEN: two flushes fail
	for i := 0; i < 2; i++ {
		res, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	// THEN: the event is parked with its last error
	res, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Attempts)
	assert.Equal(t, "broker down", events[0].LastError)
	assert.Nil(t, events[0].SentAt)
}

func TestFlush_RecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ev, err := ledger.NewEvent(ledger.EventRequestApproved, "carol", struct{}{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, mem.EnqueueEvent(ctx, ev))

	pub := &recordingPublisher{failFor: map[string]error{ev.ID: errors.New("timeout")}}
	relay := notify.NewRelay(mem, pub, quietLogger())

	_, err = relay.Flush(ctx)
	require.NoError(t, err)

	pub.mu.Lock()
	pub.failFor = nil
	pub.mu.Unlock()

	res, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []ledger.EventKind{ledger.EventRequestApproved}, pub.kinds())
}

func TestRun_StopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	pub := &recordingPublisher{}
	relay := notify.NewRelay(mem, pub, quietLogger())
	relay.Interval = 5 * time.Millisecond

	ev, err := ledger.NewEvent(ledger.EventBalanceChanged, "dave", struct{}{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, mem.EnqueueEvent(context.Background(), ev))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(pub.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

// ===== PUBLISHERS =====

func TestLogPublisher(t *testing.T) {
	ev, err := ledger.NewEvent(ledger.EventRequestCreated, "erin", struct{}{}, time.Now())
	require.NoError(t, err)
	p := notify.LogPublisher{Log: quietLogger()}
	assert.NoError(t, p.Publish(context.Background(), ev))
	assert.NoError(t, p.Close())
}

func TestDialAMQP_RejectsBadURL(t *testing.T) {
	_, err := notify.DialAMQP("http://localhost:5672", "kwh_events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amqp")
}
