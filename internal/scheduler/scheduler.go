// Package scheduler runs configured prompts on cron schedules.
// It polls an in-memory job table and runs due prompts as ordinary sessions,
// with the same hooks, host tools and audit trail as a gateway request.
//
// A job never overlaps itself: if a run is still in flight when the job is
// due again, that occurrence is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/config"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/notification"
	"github.com/jkaninda/agentbox/internal/session"
)

// ActionFire is the audit action of a scheduled run.
const ActionFire = "cronjob.fire"

// defaultMaxConcurrent bounds how many jobs run at once.
const defaultMaxConcurrent = 2

// Runner runs one agent session. *session.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, prompt string, opts session.Options) iter.Seq2[message.Message, error]
}

// job is a parsed ScheduledJob with its run state.
type job struct {
	config.ScheduledJob
	schedule cron.Schedule
	nextRun  time.Time
	running  bool
}

// Run is the outcome of one scheduled execution.
type Run struct {
	Job           string
	CorrelationID string
	SessionID     string
	Result        string
	IsError       bool
	Err           error
	Started       time.Time
	Duration      time.Duration
}

// Scheduler fires due jobs on every poll.
// It runs as a background goroutine in serve mode.
type Scheduler struct {
	runner   Runner
	base     session.Options
	recorder audit.Recorder
	metrics  *Metrics
	logger   *slog.Logger
	interval time.Duration
	sem      chan struct{}

	// Optional notification on job failure.
	dispatcher *notification.Dispatcher

	// onRun observes finished runs. Tests only.
	onRun func(Run)

	mu   sync.Mutex
	jobs []*job
	wg   sync.WaitGroup
}

// New parses every job schedule and returns a Scheduler. base holds the
// session options each job starts from.
func New(cfg *config.SchedulerConfig, runner Runner, base session.Options, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scheduler{
		runner:   runner,
		base:     base,
		recorder: audit.Nop{},
		logger:   logger,
		interval: cfg.PollInterval(),
		sem:      make(chan struct{}, defaultMaxConcurrent),
	}
	if cfg == nil {
		return s, nil
	}

	now := time.Now().UTC()
	for i, sj := range cfg.Jobs {
		sched, err := parse(sj.Schedule)
		if err != nil {
			return nil, fmt.Errorf("scheduler job %d (%s): %w", i, sj.Name, err)
		}
		s.jobs = append(s.jobs, &job{
			ScheduledJob: sj,
			schedule:     sched,
			nextRun:      sched.Next(now),
		})
	}
	return s, nil
}

// WithAudit records every fired job.
func (s *Scheduler) WithAudit(r audit.Recorder) *Scheduler {
	if r != nil {
		s.recorder = r
	}
	return s
}

// WithMetrics enables the scheduler metrics.
func (s *Scheduler) WithMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

// WithNotifications reports failed runs through d.
func (s *Scheduler) WithNotifications(d *notification.Dispatcher) *Scheduler {
	s.dispatcher = d
	return s
}

// Start begins the scheduler loop. The returned function stops it and waits
// for in-flight runs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "cron scheduler started",
			slog.String("poll_interval", s.interval.String()),
			slog.Int("jobs", len(s.jobs)),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("cron scheduler stopped")
				return
			case t := <-ticker.C:
				s.tick(ctx, t.UTC())
			}
		}
	}()

	return func() {
		cancel()
		<-done
		s.wg.Wait()
	}
}

// NextRuns returns each job's next scheduled time, keyed by job name.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		out[j.Name] = j.nextRun
	}
	return out
}

// tick fires every job due at now. Runs happen in the background.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.nextRun.After(now) {
			continue
		}
		// Occurrences that passed between polls collapse into one run.
		missed := 0
		next := j.schedule.Next(j.nextRun)
		for !next.After(now) {
			missed++
			next = j.schedule.Next(next)
		}
		j.nextRun = next
		if missed > 0 && s.metrics != nil {
			s.metrics.JobsMissed.Add(float64(missed))
		}

		if j.running {
			s.logger.WarnContext(ctx, "cron job still running, skipping",
				slog.String("name", j.Name),
			)
			if s.metrics != nil {
				s.metrics.JobsSkipped.Inc()
			}
			continue
		}
		j.running = true
		due = append(due, j)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	s.logger.InfoContext(ctx, "cron jobs due", slog.Int("count", len(due)))

	for _, j := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				s.finish(j)
				return
			}
			defer func() { <-s.sem }()
			s.fireJob(ctx, j)
		}()
	}
}

func (s *Scheduler) finish(j *job) {
	s.mu.Lock()
	j.running = false
	s.mu.Unlock()
}

// fireJob runs a single job as a session and records the result.
func (s *Scheduler) fireJob(ctx context.Context, j *job) {
	defer s.finish(j)

	run := Run{
		Job:           j.Name,
		CorrelationID: uuid.NewString(),
		Started:       time.Now().UTC(),
	}

	s.logger.InfoContext(ctx, "firing cron job",
		slog.String("name", j.Name),
		slog.String("correlation_id", run.CorrelationID),
	)
	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	opts := s.base
	if j.Model != "" {
		opts.Model = j.Model
	}

	for msg, err := range s.runner.Run(ctx, j.Prompt, opts) {
		if err != nil {
			run.Err = err
			break
		}
		if r, ok := msg.(*message.ResultMessage); ok {
			run.SessionID = r.SessionID
			run.Result = r.Result
			run.IsError = r.IsError
		}
	}
	run.Duration = time.Since(run.Started)

	event := audit.Event{
		Timestamp:  time.Now().UTC(),
		RequestID:  run.CorrelationID,
		SessionID:  run.SessionID,
		Action:     ActionFire,
		Tool:       "scheduler",
		Parameters: map[string]any{"job": j.Name, "schedule": j.Schedule},
		Result:     audit.ResultSuccess,
		DurationMS: run.Duration.Milliseconds(),
	}

	switch {
	case run.Err != nil:
		event.Result = audit.ResultFailure
		event.Error = run.Err.Error()
		s.logger.ErrorContext(ctx, "cron job failed",
			slog.String("name", j.Name),
			slog.String("correlation_id", run.CorrelationID),
			slog.String("error", run.Err.Error()),
		)
	case run.IsError:
		event.Result = audit.ResultFailure
		event.Reason = run.Result
		s.logger.WarnContext(ctx, "cron job finished with an agent error",
			slog.String("name", j.Name),
			slog.String("session_id", run.SessionID),
		)
	default:
		s.logger.InfoContext(ctx, "cron job finished",
			slog.String("name", j.Name),
			slog.String("session_id", run.SessionID),
			slog.Duration("duration", run.Duration),
		)
	}

	if s.metrics != nil {
		if event.Result == audit.ResultSuccess {
			s.metrics.JobsSucceeded.Inc()
		} else {
			s.metrics.JobsFailed.Inc()
		}
	}
	if event.Result == audit.ResultFailure && s.dispatcher != nil {
		s.notifyFailure(context.WithoutCancel(ctx), j, run)
	}

	// A cancelled context must not lose the record.
	if err := s.recorder.Record(context.WithoutCancel(ctx), event); err != nil {
		s.logger.ErrorContext(ctx, "failed to record cron execution",
			slog.String("name", j.Name),
			slog.String("error", err.Error()),
		)
	}

	if s.onRun != nil {
		s.onRun(run)
	}
}

func (s *Scheduler) notifyFailure(ctx context.Context, j *job, run Run) {
	reason := run.Result
	if run.Err != nil {
		reason = run.Err.Error()
	}
	msg := &notification.Message{
		Subject: fmt.Sprintf("[agentbox] Scheduled job failed: %s", j.Name),
		Body: fmt.Sprintf(
			"Job %q failed.\nSchedule: %s\nSession: %s\nError: %s",
			j.Name, j.Schedule, run.SessionID, reason,
		),
		Metadata: map[string]string{
			"type":           "cronjob_failure",
			"job":            j.Name,
			"correlation_id": run.CorrelationID,
		},
	}
	s.dispatcher.Notify(ctx, msg)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parse(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// ComputeNextRunFrom returns the first run time of expr after from.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
