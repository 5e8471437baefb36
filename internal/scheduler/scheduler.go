package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/audit"
	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/pkg/logger"
)

const (
	JobAudit         = "audit_run"
	JobDeadlineSweep = "deadline_sweep"
)

type AuditRunner interface {
	Run(ctx context.Context, period audit.Period) (*audit.RunResult, error)
	ResumePoint(ctx context.Context) (time.Time, error)
}

type DeadlineSweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	// Cron expressions with a leading seconds field.
	AuditSchedule string
	SweepSchedule string
	AuditPeriod   time.Duration
	JobTimeout    time.Duration
	// Most periods one audit job walks, counted back from the latest one.
	MaxBackfill int
}

// Scheduler runs the periodic audit batch and the deadline sweep.
type Scheduler struct {
	cron    *cron.Cron
	cfg     Config
	audit   AuditRunner
	sweeper DeadlineSweeper
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

func New(cfg Config, auditRunner AuditRunner, sweeper DeadlineSweeper) *Scheduler {
	if cfg.AuditPeriod <= 0 {
		cfg.AuditPeriod = 24 * time.Hour
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.MaxBackfill <= 0 {
		cfg.MaxBackfill = 31
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cfg:     cfg,
		audit:   auditRunner,
		sweeper: sweeper,
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers the configured jobs and starts the cron loop. An empty
// schedule disables its job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.audit != nil && s.cfg.AuditSchedule != "" {
		if err := s.register(JobAudit, s.cfg.AuditSchedule, s.RunAudit); err != nil {
			return err
		}
	}
	if s.sweeper != nil && s.cfg.SweepSchedule != "" {
		if err := s.register(JobDeadlineSweep, s.cfg.SweepSchedule, s.RunSweep); err != nil {
			return err
		}
	}

	s.cron.Start()
	logger.Info("Scheduler started", zap.Int("jobs", len(s.entries)))
	return nil
}

func (s *Scheduler) register(name, spec string, fn func(ctx context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.context(), s.cfg.JobTimeout)
		defer cancel()
		s.execute(ctx, name, fn)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.entries[name] = id
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) execute(ctx context.Context, name string, fn func(ctx context.Context) error) {
	start := time.Now()
	if err := fn(ctx); err != nil {
		metrics.ScheduledJobs.WithLabelValues(name, "error").Inc()
		logger.Error("Scheduled job failed",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	metrics.ScheduledJobs.WithLabelValues(name, "ok").Inc()
	logger.Debug("Scheduled job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}

// RunAudit chains every complete period from the chain tail's period up to
// the latest one, oldest first, so a failed or missed run is caught up by the
// next. It stops at the first failure. Another instance holding the chain
// lock is not an error.
func (s *Scheduler) RunAudit(ctx context.Context) error {
	periods, err := s.pendingPeriods(ctx)
	if err != nil {
		return err
	}
	for _, period := range periods {
		result, err := s.audit.Run(ctx, period)
		if errors.Is(err, audit.ErrRunInProgress) {
			logger.Info("Audit run skipped, chain locked elsewhere", zap.Time("period_start", period.Start))
			return nil
		}
		if err != nil {
			return fmt.Errorf("audit period %s: %w", period.Start.Format(time.RFC3339), err)
		}
		logger.Info("Scheduled audit run complete",
			zap.Time("period_start", period.Start),
			zap.Int("records", len(result.Records)),
			zap.String("tail_hash", result.TailHash),
		)
	}
	return nil
}

func (s *Scheduler) pendingPeriods(ctx context.Context) ([]audit.Period, error) {
	length := s.cfg.AuditPeriod
	latest := audit.PeriodFor(s.now(), length)

	resume, err := s.audit.ResumePoint(ctx)
	if err != nil {
		return nil, err
	}

	oldest := latest.Start.Add(-time.Duration(s.cfg.MaxBackfill-1) * length)
	start := resume.UTC().Truncate(length)
	switch {
	case resume.IsZero():
		start = oldest
	case start.Before(oldest):
		logger.Warn("Audit backfill capped",
			zap.Time("resume_from", start),
			zap.Time("backfill_from", oldest),
			zap.Int("max_periods", s.cfg.MaxBackfill),
		)
		start = oldest
	case start.After(latest.Start):
		start = latest.Start
	}

	var periods []audit.Period
	for at := start; !at.After(latest.Start); at = at.Add(length) {
		periods = append(periods, audit.Period{Start: at, End: at.Add(length)})
	}
	return periods, nil
}

func (s *Scheduler) RunSweep(ctx context.Context) error {
	n, err := s.sweeper.Sweep(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("Deadline sweep raised alerts", zap.Int("alerts", n))
	}
	return nil
}

// Next returns the next activation of a registered job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Stop cancels running jobs and waits up to five seconds for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("Scheduler stop timed out waiting for running jobs")
	}
	logger.Info("Scheduler stopped")
}
