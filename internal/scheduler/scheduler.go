// Package scheduler runs the cron-driven maintenance jobs: reports,
// reminders, overdue sweeps, recurring expansion and cleanup.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/metrics"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Expr string // cron expression, evaluated in the scheduler's timezone
	Run  func(ctx context.Context) error

	// NotifyBoss controls whether a failure is alerted through the outbox.
	// Cheap housekeeping jobs just log.
	NotifyBoss bool
}

// Scheduler ticks once a minute and fires due jobs. Each job runs in its own
// goroutine; a job still running when its next tick arrives is skipped.
type Scheduler struct {
	jobs   []Job
	outbox store.OutboxStore
	loc    *time.Location
	gron   *gronx.Gronx

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup

	clock func() time.Time
}

func New(outbox store.OutboxStore, loc *time.Location, jobs []Job) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		jobs:    jobs,
		outbox:  outbox,
		loc:     loc,
		gron:    gronx.New(),
		running: map[string]bool{},
		clock:   time.Now,
	}
}

// Run ticks until the context is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	slog.Info("scheduler started", "jobs", len(s.jobs), "timezone", s.loc.String())
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock().In(s.loc)
	for i := range s.jobs {
		job := s.jobs[i]
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil {
			slog.Error("bad cron expression", "job", job.Name, "expr", job.Expr, "error", err)
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(job.Name) {
			slog.Warn("job still running, tick skipped", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(job.Name)
			s.runJob(ctx, job)
		}()
	}
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// runJob executes one job inside the failure wrapper: panics are recovered
// and logged with the stack, failures are counted and, where configured,
// alerted to the boss through the outbox.
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	start := s.clock()
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				slog.Error("job panicked", "job", job.Name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		err = job.Run(ctx)
	}()

	if err == nil {
		metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
		slog.Info("job finished", "job", job.Name, "took", s.clock().Sub(start))
		return
	}

	metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
	slog.Error("job failed", "job", job.Name, "error", err)

	if job.NotifyBoss {
		s.alertBoss(ctx, job.Name, err)
	}
}

func (s *Scheduler) alertBoss(ctx context.Context, jobName string, jobErr error) {
	payload, _ := json.Marshal(adapters.SendMessagePayload{
		Text: fmt.Sprintf("Scheduled job %q failed: %v", jobName, jobErr),
	})
	body, _ := json.Marshal(struct {
		Op   string          `json:"op"`
		Body json.RawMessage `json:"body"`
	}{Op: adapters.OpNotifyBoss, Body: payload})

	item := store.OutboxItem{
		TargetAdapter:  "telegram",
		Payload:        body,
		IdempotencyKey: fmt.Sprintf("job-fail:%s:%d", jobName, s.clock().Unix()/60),
	}
	if err := s.outbox.Enqueue(ctx, item); err != nil {
		slog.Error("enqueue job failure alert failed", "job", jobName, "error", err)
	}
}

// NextRun computes the next fire time for a cron expression after ref.
func NextRun(expr string, ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, ref, false)
}
