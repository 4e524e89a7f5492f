// Package outbox drains the durable side-effect queue. Items are claimed with
// a lease, dispatched to their adapter, and either deleted, rescheduled with
// exponential backoff, or dead-lettered.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/metrics"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

const (
	// DefaultPollInterval matches the queue-drain cadence.
	DefaultPollInterval = 15 * time.Second
	// DefaultBatchSize bounds one claim.
	DefaultBatchSize = 25

	baseBackoff = time.Minute
	maxBackoff  = 15 * time.Minute
)

// Backoff returns the delay before the given retry. attempt is the number of
// attempts already made (1 = first retry).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// envelope mirrors the payload wrapper written by effect producers.
type envelope struct {
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body"`
}

// Worker is one outbox drain loop. Run several for throughput; SKIP LOCKED
// claiming keeps them from stepping on each other.
type Worker struct {
	outbox       store.OutboxStore
	registry     *adapters.Registry
	interval     time.Duration
	batch        int
	fallbackPath string // local log of terminally failed deliveries
	clock        func() time.Time
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option { return func(w *Worker) { w.interval = d } }
func WithBatchSize(n int) Option          { return func(w *Worker) { w.batch = n } }
func WithClock(fn func() time.Time) Option {
	return func(w *Worker) { w.clock = fn }
}

func NewWorker(outbox store.OutboxStore, registry *adapters.Registry, fallbackPath string, opts ...Option) *Worker {
	w := &Worker{
		outbox:       outbox,
		registry:     registry,
		interval:     DefaultPollInterval,
		batch:        DefaultBatchSize,
		fallbackPath: fallbackPath,
		clock:        time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run drains until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		// Drain everything currently due before sleeping.
		for {
			n, err := w.DrainOnce(ctx)
			if err != nil {
				slog.Error("outbox drain failed", "error", err)
				break
			}
			if n == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce claims one batch and processes it. Returns how many items were
// claimed.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	items, err := w.outbox.ClaimDue(ctx, w.clock(), w.batch)
	if err != nil {
		return 0, fmt.Errorf("claim due: %w", err)
	}
	for i := range items {
		w.process(ctx, &items[i])
	}
	return len(items), nil
}

func (w *Worker) process(ctx context.Context, item *store.OutboxItem) {
	adapter := w.registry.Get(item.TargetAdapter)
	if adapter == nil {
		w.kill(ctx, item, fmt.Sprintf("no adapter registered for %q", item.TargetAdapter))
		return
	}

	var env envelope
	if err := json.Unmarshal(item.Payload, &env); err != nil {
		w.kill(ctx, item, fmt.Sprintf("bad payload envelope: %v", err))
		return
	}

	err := adapter.Execute(ctx, env.Op, env.Body)
	if err == nil {
		if derr := w.outbox.MarkDelivered(ctx, item.ID); derr != nil {
			slog.Error("mark delivered failed", "id", item.ID, "error", derr)
		}
		metrics.OutboxDelivered.WithLabelValues(item.TargetAdapter).Inc()
		return
	}

	ae := adapters.AsAdapterError(item.TargetAdapter, err)
	attempt := item.AttemptCount + 1

	if !ae.Retryable() || attempt >= item.MaxAttempts {
		w.kill(ctx, item, ae.Error())
		return
	}

	delay := Backoff(attempt)
	if ae.RetryAfter > delay {
		delay = ae.RetryAfter
	}
	next := w.clock().Add(delay)
	if rerr := w.outbox.Reschedule(ctx, item.ID, attempt, next, ae.Error()); rerr != nil {
		slog.Error("reschedule failed", "id", item.ID, "error", rerr)
		return
	}
	metrics.OutboxRetried.WithLabelValues(item.TargetAdapter).Inc()
	slog.Warn("outbox delivery failed, rescheduled",
		"id", item.ID, "adapter", item.TargetAdapter, "kind", ae.Kind,
		"attempt", attempt, "next_attempt_in", delay)
}

// kill dead-letters the item, alerts the boss through the outbox itself, and
// appends the payload to the local fallback log so nothing is silently lost.
func (w *Worker) kill(ctx context.Context, item *store.OutboxItem, reason string) {
	if err := w.outbox.MarkDead(ctx, item.ID, reason); err != nil {
		slog.Error("mark dead failed", "id", item.ID, "error", err)
		return
	}
	metrics.OutboxDead.WithLabelValues(item.TargetAdapter).Inc()
	slog.Error("outbox item dead-lettered",
		"id", item.ID, "adapter", item.TargetAdapter,
		"idempotency_key", item.IdempotencyKey, "reason", reason)

	w.appendFallback(item, reason)

	// The alert travels through the outbox too; it gets its own retries.
	// Skip alerting about a failed alert.
	if item.TargetAdapter == "telegram" && item.IdempotencyKey != "" &&
		len(item.IdempotencyKey) >= 5 && item.IdempotencyKey[:5] == "dead:" {
		return
	}
	payload, _ := json.Marshal(adapters.SendMessagePayload{
		Text: fmt.Sprintf("Delivery to %s gave up after %d attempts.\nKey: %s\nReason: %s",
			item.TargetAdapter, item.AttemptCount+1, item.IdempotencyKey, reason),
	})
	body, _ := json.Marshal(envelope{Op: adapters.OpNotifyBoss, Body: payload})
	alert := store.OutboxItem{
		TargetAdapter:  "telegram",
		Payload:        body,
		IdempotencyKey: "dead:" + item.ID.String(),
		MaxAttempts:    3,
	}
	if err := w.outbox.Enqueue(ctx, alert); err != nil {
		slog.Error("enqueue dead-letter alert failed", "id", item.ID, "error", err)
	}
}

// appendFallback writes one JSON line per dead item to the local log.
func (w *Worker) appendFallback(item *store.OutboxItem, reason string) {
	if w.fallbackPath == "" {
		return
	}
	f, err := os.OpenFile(w.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("open fallback log failed", "path", w.fallbackPath, "error", err)
		return
	}
	defer f.Close()

	line, _ := json.Marshal(map[string]any{
		"at":              w.clock().Format(time.RFC3339),
		"id":              item.ID,
		"adapter":         item.TargetAdapter,
		"idempotency_key": item.IdempotencyKey,
		"reason":          reason,
		"payload":         json.RawMessage(item.Payload),
	})
	f.Write(append(line, '\n'))
}
