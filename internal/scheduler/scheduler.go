package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/assignment"
	"github.com/dennisdiepolder/monti/queueengine/internal/escalation"
	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/notification"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Rules is what the driver needs from the rule store
type Rules interface {
	queue.RuleSource
	ActiveDepartments() []string
}

// Report summarizes one cycle
type Report struct {
	CycleID     string `json:"cycleId"`
	Departments int    `json:"departments"`
	Assigned    int    `json:"assigned"`
	Notified    int    `json:"notified"`
	Escalated   int    `json:"escalated"`
	Errors      int    `json:"errors"`
}

// Scheduler runs the recurring cycle: for every active department, assign,
// then notify, then escalate. Departments run in parallel.
type Scheduler struct {
	rules     Rules
	entries   storage.EntryStore
	queues    *queue.Manager
	assigner  *assignment.Engine
	notifier  *notification.Scheduler
	escalator *escalation.Monitor
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	interval time.Duration
	workers  int
	now      func() time.Time
}

// Config holds the cycle timing
type Config struct {
	Interval time.Duration
	Workers  int
}

func New(
	cfg Config,
	rules Rules,
	entries storage.EntryStore,
	queues *queue.Manager,
	assigner *assignment.Engine,
	notifier *notification.Scheduler,
	escalator *escalation.Monitor,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Scheduler{
		rules:     rules,
		entries:   entries,
		queues:    queues,
		assigner:  assigner,
		notifier:  notifier,
		escalator: escalator,
		metrics:   m,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		interval:  cfg.Interval,
		workers:   cfg.Workers,
		now:       queues.Now,
	}
}

// Start runs a cycle on every tick until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Int("workers", s.workers).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one pass over every active department. Failures are
// logged and counted; they never stop other entries or departments.
func (s *Scheduler) RunCycle(ctx context.Context) Report {
	started := time.Now()
	cycle := assignment.NewCycle(s.now())
	report := Report{CycleID: cycle.ID}

	departments := s.departments(ctx)
	report.Departments = len(departments)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, dept := range departments {
		g.Go(func() error {
			r := s.runDepartment(gctx, cycle, dept)
			mu.Lock()
			report.Assigned += r.Assigned
			report.Notified += r.Notified
			report.Escalated += r.Escalated
			report.Errors += r.Errors
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.RecordCycle(time.Since(started))
	ev := s.logger.Debug()
	if report.Errors > 0 {
		ev = s.logger.Warn()
	}
	ev.Str("cycle_id", report.CycleID).
		Int("departments", report.Departments).
		Int("assigned", report.Assigned).
		Int("notified", report.Notified).
		Int("escalated", report.Escalated).
		Int("errors", report.Errors).
		Dur("duration", time.Since(started)).
		Msg("cycle completed")
	return report
}

// departments returns configured active departments plus any department
// that still holds waiting entries, minus those whose rule is inactive.
func (s *Scheduler) departments(ctx context.Context) []string {
	set := make(map[string]struct{})
	for _, d := range s.rules.ActiveDepartments() {
		set[d] = struct{}{}
	}
	waiting, err := s.entries.WaitingDepartments(ctx)
	if err != nil {
		s.metrics.RecordCycleError("departments")
		s.logger.Error().Err(err).Msg("failed to list departments with waiting entries")
	}
	for _, d := range waiting {
		set[d] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for d := range set {
		if s.rules.Rule(d).IsActive {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) runDepartment(ctx context.Context, cycle *assignment.Cycle, dept string) Report {
	var r Report
	now := cycle.Now
	rule := s.rules.Rule(dept)
	logger := s.logger.With().Str("department_id", dept).Str("cycle_id", cycle.ID).Logger()

	fail := func(phase string, err error) {
		r.Errors++
		s.metrics.RecordCycleError(phase)
		logger.Error().Err(err).Str("phase", phase).Msg("cycle phase failed")
	}

	waiting, err := s.queues.RecomputePositions(ctx, dept)
	if err != nil {
		fail("recompute", err)
	} else {
		s.metrics.SetQueueDepth(dept, len(waiting))
		if len(waiting) == 0 {
			return r
		}
	}

	switch {
	case !rule.AutoAssignmentEnabled:
		logger.Debug().Msg("auto assignment disabled")
	case !rule.WorkingHours.Contains(now):
		logger.Debug().Msg("outside working hours, skipping assignment")
	default:
		results, err := s.assigner.AssignDepartment(ctx, cycle, dept)
		if err != nil {
			fail("assign", err)
		}
		for _, res := range results {
			if res.Outcome == assignment.OutcomeAssigned {
				r.Assigned++
			}
		}
	}

	notified, err := s.notifier.NotifyDepartment(ctx, dept, now)
	if err != nil {
		fail("notify", err)
	}
	r.Notified = notified

	escalated, err := s.escalator.CheckDepartment(ctx, dept, now)
	if err != nil {
		fail("escalate", err)
	}
	r.Escalated = escalated
	return r
}
