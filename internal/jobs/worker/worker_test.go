package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/types"
)

// memoryOutbox mimics the claim semantics in memory: pending events whose
// run_after has passed, oldest first, flipped to processing on claim.
type memoryOutbox struct {
	mu     sync.Mutex
	events map[uuid.UUID]*types.OutboxEvent
	order  []uuid.UUID
}

func newMemoryOutbox() *memoryOutbox {
	return &memoryOutbox{events: map[uuid.UUID]*types.OutboxEvent{}}
}

func (m *memoryOutbox) Enqueue(ctx context.Context, tx *gorm.DB, event *types.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = types.OutboxStatusPending
	}
	if event.RunAfter.IsZero() {
		event.RunAfter = time.Now()
	}
	m.events[event.ID] = event
	m.order = append(m.order, event.ID)
	return nil
}

func (m *memoryOutbox) ClaimBatch(ctx context.Context, tx *gorm.DB, limit int) ([]types.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []types.OutboxEvent
	for _, id := range m.order {
		if len(claimed) >= limit {
			break
		}
		ev := m.events[id]
		if ev.Status != types.OutboxStatusPending || ev.RunAfter.After(time.Now()) {
			continue
		}
		ev.Status = types.OutboxStatusProcessing
		ev.Attempts++
		claimed = append(claimed, *ev)
	}
	return claimed, nil
}

func (m *memoryOutbox) MarkDone(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id].Status = types.OutboxStatusDone
	return nil
}

func (m *memoryOutbox) MarkFailed(ctx context.Context, tx *gorm.DB, event *types.OutboxEvent, cause error, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.events[event.ID]
	stored.LastError = cause.Error()
	if event.Attempts >= maxAttempts {
		stored.Status = types.OutboxStatusFailed
	} else {
		stored.Status = types.OutboxStatusPending
	}
	return nil
}

func (m *memoryOutbox) CountByStatus(ctx context.Context, tx *gorm.DB, status string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ev := range m.events {
		if ev.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memoryOutbox) statusOf(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id].Status
}

func noTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func newTestPool(t *testing.T, outbox *memoryOutbox) *Pool {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	pool := NewPool(noTx, outbox, log)
	pool.concurrency = 2
	pool.pollInterval = 10 * time.Millisecond
	pool.batchSize = 5
	pool.maxAttempts = 3
	return pool
}

func enqueue(t *testing.T, outbox *memoryOutbox, eventType string) *types.OutboxEvent {
	t.Helper()
	ev := &types.OutboxEvent{
		AggregateType: "test",
		AggregateID:   uuid.New(),
		EventType:     eventType,
		Payload:       []byte(`{}`),
	}
	if err := outbox.Enqueue(context.Background(), nil, ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return ev
}

func waitForStatus(t *testing.T, outbox *memoryOutbox, id uuid.UUID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if outbox.statusOf(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never reached status %s (now %s)", id, want, outbox.statusOf(id))
}

func TestPoolProcessesEvents(t *testing.T) {
	outbox := newMemoryOutbox()
	pool := newTestPool(t, outbox)

	var mu sync.Mutex
	handled := 0
	pool.Register("test.event", func(ctx context.Context, event types.OutboxEvent) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	events := make([]*types.OutboxEvent, 0, 8)
	for i := 0; i < 8; i++ {
		events = append(events, enqueue(t, outbox, "test.event"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	for _, ev := range events {
		waitForStatus(t, outbox, ev.ID, types.OutboxStatusDone)
	}
	cancel()
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	if handled != 8 {
		t.Fatalf("handled: want=8 got=%d", handled)
	}
}

func TestPoolRetriesThenParksFailures(t *testing.T) {
	outbox := newMemoryOutbox()
	pool := newTestPool(t, outbox)

	var mu sync.Mutex
	attempts := 0
	pool.Register("test.flaky", func(ctx context.Context, event types.OutboxEvent) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("always fails")
	})
	ev := enqueue(t, outbox, "test.flaky")

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	waitForStatus(t, outbox, ev.ID, types.OutboxStatusFailed)
	cancel()
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts before parking: want=3 got=%d", attempts)
	}
}

func TestPoolSurvivesHandlerPanic(t *testing.T) {
	outbox := newMemoryOutbox()
	pool := newTestPool(t, outbox)

	pool.Register("test.panics", func(ctx context.Context, event types.OutboxEvent) error {
		panic("boom")
	})
	pool.Register("test.ok", func(ctx context.Context, event types.OutboxEvent) error {
		return nil
	})

	bad := enqueue(t, outbox, "test.panics")
	good := enqueue(t, outbox, "test.ok")

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	waitForStatus(t, outbox, good.ID, types.OutboxStatusDone)
	waitForStatus(t, outbox, bad.ID, types.OutboxStatusFailed)
	cancel()
	pool.Wait()
}

func TestPoolParksUnroutableEvents(t *testing.T) {
	outbox := newMemoryOutbox()
	pool := newTestPool(t, outbox)
	pool.Register("test.known", func(ctx context.Context, event types.OutboxEvent) error {
		return nil
	})

	ev := enqueue(t, outbox, "test.unknown")

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	waitForStatus(t, outbox, ev.ID, types.OutboxStatusFailed)
	cancel()
	pool.Wait()

	if outbox.events[ev.ID].LastError == "" {
		t.Fatalf("unroutable event should record the reason")
	}
}
