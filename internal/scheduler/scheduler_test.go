package scheduler

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/config"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/notification"
	"github.com/jkaninda/agentbox/internal/session"
)

type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	models  []string
	block   chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, prompt string, opts session.Options) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		f.mu.Lock()
		f.prompts = append(f.prompts, prompt)
		f.models = append(f.models, opts.Model)
		f.mu.Unlock()

		if f.block != nil {
			select {
			case <-f.block:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
			return
		}
		yield(&message.ResultMessage{
			Type: message.TypeResult, Subtype: "success",
			SessionID: "sess-" + prompt, Result: "done",
		}, nil)
	}
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestScheduler builds a scheduler whose jobs are all due at t0.
func newTestScheduler(t *testing.T, runner Runner, jobs ...config.ScheduledJob) (*Scheduler, *audit.Memory, chan Run) {
	t.Helper()
	s, err := New(&config.SchedulerConfig{Enabled: true, Jobs: jobs}, runner, session.Options{Model: "base-model"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, j := range s.jobs {
		j.nextRun = t0
	}
	mem := audit.NewMemory(0)
	s.WithAudit(mem)
	s.WithMetrics(NewMetrics(prometheus.NewRegistry()))

	runs := make(chan Run, 16)
	s.onRun = func(r Run) { runs <- r }
	return s, mem, runs
}

func waitRun(t *testing.T, runs <-chan Run) Run {
	t.Helper()
	select {
	case r := <-runs:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a scheduled run")
		return Run{}
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(&config.SchedulerConfig{Jobs: []config.ScheduledJob{
		{Name: "broken", Schedule: "every tuesday", Prompt: "x"},
	}}, &fakeRunner{}, session.Options{}, nil)
	if err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

func TestTick_FiresDueJob(t *testing.T) {
	runner := &fakeRunner{}
	s, mem, runs := newTestScheduler(t, runner,
		config.ScheduledJob{Name: "report", Schedule: "*/5 * * * *", Prompt: "summarize", Model: "small"},
		config.ScheduledJob{Name: "default", Schedule: "*/5 * * * *", Prompt: "check"},
	)
	s.jobs[1].nextRun = t0.Add(time.Minute) // not yet due

	s.tick(context.Background(), t0)
	run := waitRun(t, runs)
	s.wg.Wait()

	if run.Job != "report" || run.SessionID != "sess-summarize" || run.Err != nil {
		t.Fatalf("unexpected run: %+v", run)
	}
	if runner.calls() != 1 || runner.models[0] != "small" {
		t.Fatalf("runner calls = %d models = %v", runner.calls(), runner.models)
	}
	if got := s.NextRuns()["report"]; !got.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("next run = %v", got)
	}

	events := mem.Filter(ActionFire, audit.ResultSuccess)
	if len(events) != 1 || events[0].SessionID != "sess-summarize" {
		t.Fatalf("audit events = %+v", mem.Events())
	}
	if testutil.ToFloat64(s.metrics.JobsSucceeded) != 1 {
		t.Error("succeeded counter not incremented")
	}
}

func TestTick_BaseModelUsedWithoutOverride(t *testing.T) {
	runner := &fakeRunner{}
	s, _, runs := newTestScheduler(t, runner,
		config.ScheduledJob{Name: "default", Schedule: "0 * * * *", Prompt: "check"},
	)
	s.tick(context.Background(), t0)
	waitRun(t, runs)
	s.wg.Wait()
	if runner.models[0] != "base-model" {
		t.Errorf("model = %q", runner.models[0])
	}
}

func TestTick_CollapsesMissedOccurrences(t *testing.T) {
	s, _, runs := newTestScheduler(t, &fakeRunner{},
		config.ScheduledJob{Name: "report", Schedule: "*/5 * * * *", Prompt: "summarize"},
	)

	s.tick(context.Background(), t0.Add(12*time.Minute))
	waitRun(t, runs)
	s.wg.Wait()

	if got := s.NextRuns()["report"]; !got.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("next run = %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.JobsMissed); got != 2 {
		t.Errorf("missed = %v, want 2", got)
	}
}

func TestTick_SkipsOverlappingRun(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s, _, runs := newTestScheduler(t, runner,
		config.ScheduledJob{Name: "slow", Schedule: "*/5 * * * *", Prompt: "long"},
	)

	s.tick(context.Background(), t0)
	deadline := time.Now().Add(5 * time.Second)
	for runner.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.tick(context.Background(), t0.Add(5*time.Minute))
	if got := testutil.ToFloat64(s.metrics.JobsSkipped); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}

	close(runner.block)
	waitRun(t, runs)
	s.wg.Wait()
	if runner.calls() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls())
	}

	// Once finished the job fires again.
	s.tick(context.Background(), t0.Add(10*time.Minute))
	waitRun(t, runs)
	s.wg.Wait()
	if runner.calls() != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls())
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []*notification.Message
}

func (c *captureSender) Type() string { return "webhook" }

func (c *captureSender) Send(_ context.Context, _ config.NotificationChannel, msg *notification.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestTick_RecordsFailure(t *testing.T) {
	s, mem, runs := newTestScheduler(t, &fakeRunner{err: errors.New("sandbox exploded")},
		config.ScheduledJob{Name: "report", Schedule: "*/5 * * * *", Prompt: "summarize"},
	)
	sender := &captureSender{}
	d := notification.NewDispatcher([]config.NotificationChannel{{Name: "ops", Type: "webhook"}}, nil, nil)
	d.RegisterSender(sender)
	s.WithNotifications(d)

	s.tick(context.Background(), t0)
	run := waitRun(t, runs)
	s.wg.Wait()

	if run.Err == nil {
		t.Fatal("expected the run error")
	}
	events := mem.Filter(ActionFire, audit.ResultFailure)
	if len(events) != 1 || events[0].Error != "sandbox exploded" {
		t.Fatalf("audit events = %+v", mem.Events())
	}
	if testutil.ToFloat64(s.metrics.JobsFailed) != 1 {
		t.Error("failed counter not incremented")
	}
	if len(sender.msgs) != 1 || !strings.Contains(sender.msgs[0].Body, "sandbox exploded") {
		t.Errorf("notifications = %+v", sender.msgs)
	}
}

func TestStart_StopsCleanly(t *testing.T) {
	s, err := New(nil, &fakeRunner{}, session.Options{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := s.Start(context.Background())
	stop()
}

func TestComputeNextRunFrom(t *testing.T) {
	next, err := ComputeNextRunFrom("30 9 * * 1", t0) // t0 is a Thursday
	if err != nil {
		t.Fatalf("ComputeNextRunFrom: %v", err)
	}
	want := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if _, err := ComputeNextRunFrom("", t0); err == nil {
		t.Error("expected an error for an empty expression")
	}
}
