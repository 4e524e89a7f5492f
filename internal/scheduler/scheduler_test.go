package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunJobRecoversPanic(t *testing.T) {
	fo := &fakeOutbox{}
	s := New(fo, time.UTC, nil)
	s.clock = fixedNow

	s.runJob(context.Background(), Job{
		Name:       "boom",
		Run:        func(context.Context) error { panic("nope") },
		NotifyBoss: true,
	})

	if len(fo.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want one failure alert", len(fo.enqueued))
	}
	_, msg := fo.opOf(t, 0)
	if !strings.Contains(msg.Text, "boom") || !strings.Contains(msg.Text, "panic") {
		t.Errorf("alert = %q", msg.Text)
	}
	if !strings.HasPrefix(fo.enqueued[0].IdempotencyKey, "job-fail:boom:") {
		t.Errorf("key = %s", fo.enqueued[0].IdempotencyKey)
	}
}

func TestRunJobLogOnlyFailure(t *testing.T) {
	fo := &fakeOutbox{}
	s := New(fo, time.UTC, nil)
	s.clock = fixedNow

	s.runJob(context.Background(), Job{
		Name: "quiet",
		Run:  func(context.Context) error { return errors.New("fail") },
	})

	if len(fo.enqueued) != 0 {
		t.Errorf("log-only job alerted the boss: %v", fo.enqueued)
	}
}

func TestTickSkipsRunningJob(t *testing.T) {
	fo := &fakeOutbox{}
	release := make(chan struct{})
	var runs atomic.Int32

	s := New(fo, time.UTC, []Job{{
		Name: "slow",
		Expr: "* * * * *",
		Run: func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	}})
	s.clock = fixedNow

	s.tick(context.Background())
	// Wait for the goroutine to take the slot.
	deadline := time.After(time.Second)
	for s.tryAcquire("slow") {
		s.release("slow")
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(time.Millisecond):
		}
	}

	s.tick(context.Background())
	close(release)
	s.wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want overlap skipped", got)
	}
}

func TestTickIgnoresNotDueJobs(t *testing.T) {
	var runs atomic.Int32
	s := New(&fakeOutbox{}, time.UTC, []Job{{
		Name: "weekly",
		Expr: "0 9 * * 1", // fixedNow is Thursday noon
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}})
	s.clock = fixedNow

	s.tick(context.Background())
	s.wg.Wait()

	if runs.Load() != 0 {
		t.Error("job fired outside its schedule")
	}
}
