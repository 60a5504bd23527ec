/*
scheduler.go - Scheduled ledger audit

PURPOSE:
  Periodically checks that every stored balance equals the sum of its
  ledger entries and records each run for display in the admin API.
  A discrepancy is never repaired automatically; it is logged at error
  level and counted in the run.

DESIGN:
  - robfig/cron drives the schedule (AUDIT_SCHEDULE, e.g. "@every 1h")
  - One run at start, then on schedule, all through the same job chain
  - Overlapping runs are skipped
  - Stop waits for whichever run is in flight

USAGE:
  s, err := NewAuditScheduler(engine, store, "@every 1h", logger)
  s.Start()
  // ... later
  <-s.Stop().Done()
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/kwh-ledger/ledger"
)

// Auditor is the part of ledger.Engine the scheduler needs.
type Auditor interface {
	Audit(ctx context.Context) ([]ledger.Discrepancy, error)
	Accounts(ctx context.Context) ([]ledger.Account, error)
}

// AuditRecorder persists audit runs.
type AuditRecorder interface {
	RecordAuditRun(ctx context.Context, run ledger.AuditRun) error
}

// AuditScheduler runs the ledger audit on a cron schedule.
type AuditScheduler struct {
	Auditor  Auditor
	Recorder AuditRecorder // nil skips recording
	Timeout  time.Duration

	log     *slog.Logger
	cron    *cron.Cron
	job     cron.Job
	initial sync.WaitGroup
	now     func() time.Time
}

// NewAuditScheduler validates schedule and prepares the cron runner.
func NewAuditScheduler(auditor Auditor, recorder AuditRecorder, schedule string, logger *slog.Logger) (*AuditScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit-scheduler")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New()

	s := &AuditScheduler{
		Auditor:  auditor,
		Recorder: recorder,
		Timeout:  5 * time.Minute,
		log:      logger,
		cron:     c,
		now:      time.Now,
	}
	s.job = cron.NewChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)).
		Then(cron.FuncJob(func() { s.RunOnce(context.Background()) }))
	if _, err := c.AddJob(schedule, s.job); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs one audit in the background and then follows the schedule.
func (s *AuditScheduler) Start() {
	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.job.Run()
	}()
	s.cron.Start()
	s.log.Info("audit scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts the schedule. The returned context is done when a running
// audit, scheduled or initial, has finished.
func (s *AuditScheduler) Stop() context.Context {
	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		<-cronDone.Done()
		s.initial.Wait()
		s.log.Info("audit scheduler stopped")
	}()
	return ctx
}

// RunOnce audits the ledger and records the run.
func (s *AuditScheduler) RunOnce(ctx context.Context) ledger.AuditRun {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	run := ledger.AuditRun{StartedAt: s.now()}
	if accounts, err := s.Auditor.Accounts(ctx); err != nil {
		run.Error = err.Error()
	} else {
		run.AccountsChecked = len(accounts)
	}
	if run.Error == "" {
		found, err := s.Auditor.Audit(ctx)
		if err != nil {
			run.Error = err.Error()
		}
		run.Discrepancies = len(found)
	}
	run.CompletedAt = s.now()

	switch {
	case run.Error != "":
		s.log.Error("audit failed", "error", run.Error)
	case run.Discrepancies > 0:
		s.log.Error("audit found discrepancies", "count", run.Discrepancies, "accounts", run.AccountsChecked)
	default:
		s.log.Info("audit clean", "accounts", run.AccountsChecked)
	}

	if s.Recorder != nil {
		if err := s.Recorder.RecordAuditRun(ctx, run); err != nil {
			s.log.Error("record audit run", "error", err)
		}
	}
	return run
}
