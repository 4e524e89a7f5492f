package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 15 * time.Minute},
		{10, 15 * time.Minute},
		{0, time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// memOutbox is an in-memory OutboxStore for worker tests.
type memOutbox struct {
	items       map[uuid.UUID]*store.OutboxItem
	delivered   []uuid.UUID
	rescheduled map[uuid.UUID]time.Time
	dead        []uuid.UUID
	enqueued    []store.OutboxItem
}

func newMemOutbox() *memOutbox {
	return &memOutbox{
		items:       map[uuid.UUID]*store.OutboxItem{},
		rescheduled: map[uuid.UUID]time.Time{},
	}
}

func (m *memOutbox) add(item store.OutboxItem) uuid.UUID {
	if item.ID == uuid.Nil {
		item.ID = store.GenNewID()
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = 5
	}
	m.items[item.ID] = &item
	return item.ID
}

func (m *memOutbox) Enqueue(_ context.Context, items ...store.OutboxItem) error {
	for _, it := range items {
		m.add(it)
		m.enqueued = append(m.enqueued, it)
	}
	return nil
}

func (m *memOutbox) ClaimDue(_ context.Context, now time.Time, limit int) ([]store.OutboxItem, error) {
	var out []store.OutboxItem
	for _, it := range m.items {
		if !it.DeadLetter && !it.NextAttemptAt.After(now) && len(out) < limit {
			copied := *it
			out = append(out, copied)
			// Lease: pretend the row is pushed out.
			it.NextAttemptAt = now.Add(2 * time.Minute)
		}
	}
	return out, nil
}

func (m *memOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	delete(m.items, id)
	m.delivered = append(m.delivered, id)
	return nil
}

func (m *memOutbox) Reschedule(_ context.Context, id uuid.UUID, attempt int, next time.Time, lastErr string) error {
	it, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	it.AttemptCount = attempt
	it.NextAttemptAt = next
	it.LastError = lastErr
	m.rescheduled[id] = next
	return nil
}

func (m *memOutbox) MarkDead(_ context.Context, id uuid.UUID, lastErr string) error {
	it, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	it.DeadLetter = true
	it.LastError = lastErr
	m.dead = append(m.dead, id)
	return nil
}

func (m *memOutbox) ListDead(_ context.Context, limit int) ([]store.OutboxItem, error) {
	var out []store.OutboxItem
	for _, it := range m.items {
		if it.DeadLetter {
			out = append(out, *it)
		}
	}
	return out, nil
}

// scriptedAdapter fails with the given error until succeedAfter calls.
type scriptedAdapter struct {
	name         string
	err          error
	succeedAfter int
	calls        int
	ops          []string
}

func (a *scriptedAdapter) Name() string { return a.name }
func (a *scriptedAdapter) Execute(_ context.Context, op string, _ []byte) error {
	a.calls++
	a.ops = append(a.ops, op)
	if a.succeedAfter > 0 && a.calls >= a.succeedAfter {
		return nil
	}
	return a.err
}

func wrapTestPayload(op string) []byte {
	b, _ := json.Marshal(envelope{Op: op, Body: json.RawMessage(`{"chat_id":1,"text":"hi"}`)})
	return b
}

func fixedNow() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }

func TestDeliverSuccess(t *testing.T) {
	mem := newMemOutbox()
	ad := &scriptedAdapter{name: "telegram", succeedAfter: 1}
	id := mem.add(store.OutboxItem{TargetAdapter: "telegram", Payload: wrapTestPayload("send_message")})

	w := NewWorker(mem, adapters.NewRegistry(ad), "", WithClock(fixedNow))
	n, err := w.DrainOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("DrainOnce = %d, %v", n, err)
	}
	if len(mem.delivered) != 1 || mem.delivered[0] != id {
		t.Errorf("delivered = %v", mem.delivered)
	}
	if ad.ops[0] != "send_message" {
		t.Errorf("op = %s", ad.ops[0])
	}
}

func TestTransientFailureReschedulesWithBackoff(t *testing.T) {
	mem := newMemOutbox()
	ad := &scriptedAdapter{name: "sheets", err: &adapters.AdapterError{
		Adapter: "sheets", Kind: adapters.KindTransient, Err: errors.New("503"),
	}}
	id := mem.add(store.OutboxItem{TargetAdapter: "sheets", Payload: wrapTestPayload("upsert_row")})

	w := NewWorker(mem, adapters.NewRegistry(ad), "", WithClock(fixedNow))
	w.DrainOnce(context.Background())

	next, ok := mem.rescheduled[id]
	if !ok {
		t.Fatal("item not rescheduled")
	}
	if got := next.Sub(fixedNow()); got != time.Minute {
		t.Errorf("first retry delay = %v, want 1m", got)
	}
	if mem.items[id].AttemptCount != 1 {
		t.Errorf("attempt = %d", mem.items[id].AttemptCount)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	mem := newMemOutbox()
	ad := &scriptedAdapter{name: "sheets", err: &adapters.AdapterError{
		Adapter: "sheets", Kind: adapters.KindRateLimited,
		RetryAfter: 5 * time.Minute, Err: errors.New("429"),
	}}
	id := mem.add(store.OutboxItem{TargetAdapter: "sheets", Payload: wrapTestPayload("upsert_row")})

	w := NewWorker(mem, adapters.NewRegistry(ad), "", WithClock(fixedNow))
	w.DrainOnce(context.Background())

	if got := mem.rescheduled[id].Sub(fixedNow()); got != 5*time.Minute {
		t.Errorf("delay = %v, want service-provided 5m", got)
	}
}

func TestPermanentFailureDeadLettersAndAlerts(t *testing.T) {
	mem := newMemOutbox()
	ad := &scriptedAdapter{name: "sheets", err: &adapters.AdapterError{
		Adapter: "sheets", Kind: adapters.KindAuth, Err: errors.New("401"),
	}}
	id := mem.add(store.OutboxItem{
		TargetAdapter: "sheets", Payload: wrapTestPayload("upsert_row"),
		IdempotencyKey: "sheet-upsert:TASK-20260115-001:pending:0",
	})

	w := NewWorker(mem, adapters.NewRegistry(ad), "", WithClock(fixedNow))
	w.DrainOnce(context.Background())

	if len(mem.dead) != 1 || mem.dead[0] != id {
		t.Fatalf("dead = %v", mem.dead)
	}
	if len(mem.enqueued) != 1 {
		t.Fatalf("boss alert not enqueued, got %v", mem.enqueued)
	}
	alert := mem.enqueued[0]
	if alert.TargetAdapter != "telegram" || !strings.HasPrefix(alert.IdempotencyKey, "dead:") {
		t.Errorf("alert = %+v", alert)
	}
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	mem := newMemOutbox()
	ad := &scriptedAdapter{name: "sheets", err: &adapters.AdapterError{
		Adapter: "sheets", Kind: adapters.KindTransient, Err: errors.New("503"),
	}}
	id := mem.add(store.OutboxItem{
		TargetAdapter: "sheets", Payload: wrapTestPayload("upsert_row"),
		AttemptCount: 4, // next failure is attempt 5 of 5
	})

	w := NewWorker(mem, adapters.NewRegistry(ad), "", WithClock(fixedNow))
	w.DrainOnce(context.Background())

	if len(mem.dead) != 1 || mem.dead[0] != id {
		t.Errorf("dead = %v, want exhausted item", mem.dead)
	}
}

func TestDeadAlertDoesNotCascade(t *testing.T) {
	mem := newMemOutbox()
	ad := &scriptedAdapter{name: "telegram", err: &adapters.AdapterError{
		Adapter: "telegram", Kind: adapters.KindAuth, Err: errors.New("401"),
	}}
	mem.add(store.OutboxItem{
		TargetAdapter: "telegram", Payload: wrapTestPayload("notify_boss"),
		IdempotencyKey: "dead:" + store.GenNewID().String(),
	})

	w := NewWorker(mem, adapters.NewRegistry(ad), "", WithClock(fixedNow))
	w.DrainOnce(context.Background())

	if len(mem.enqueued) != 0 {
		t.Errorf("a failed dead-letter alert must not enqueue another alert: %v", mem.enqueued)
	}
}

func TestUnknownAdapterDeadLetters(t *testing.T) {
	mem := newMemOutbox()
	mem.add(store.OutboxItem{TargetAdapter: "fax", Payload: wrapTestPayload("send")})

	w := NewWorker(mem, adapters.NewRegistry(), "", WithClock(fixedNow))
	w.DrainOnce(context.Background())

	if len(mem.dead) != 1 {
		t.Errorf("dead = %v", mem.dead)
	}
}

func TestFallbackLogWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dead.log")

	mem := newMemOutbox()
	ad := &scriptedAdapter{name: "sheets", err: &adapters.AdapterError{
		Adapter: "sheets", Kind: adapters.KindPermanent, Err: errors.New("400"),
	}}
	mem.add(store.OutboxItem{TargetAdapter: "sheets", Payload: wrapTestPayload("upsert_row"), IdempotencyKey: "k1"})

	w := NewWorker(mem, adapters.NewRegistry(ad), path, WithClock(fixedNow))
	w.DrainOnce(context.Background())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("fallback log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(data[:len(data)-1], &line); err != nil {
		t.Fatalf("fallback line not JSON: %v", err)
	}
	if line["idempotency_key"] != "k1" || line["adapter"] != "sheets" {
		t.Errorf("line = %v", line)
	}
}
