package spend

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/observability"
	"github.com/gantry-ai/gantry/pkg/sso"
)

const (
	rollupSchedule      = "5 0 * * *"    // 00:05 UTC, aggregates yesterday
	sessionSchedule     = "@hourly"
	budgetResetSchedule = "*/10 * * * *"
)

// Scheduler runs the gateway's periodic maintenance jobs: the daily
// spend rollup, SSO session cleanup, and virtual key budget resets.
type Scheduler struct {
	cron     *cron.Cron
	reporter *Reporter
	keys     *auth.KeyManager
	sessions *sso.SessionManager
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewScheduler wires the maintenance jobs onto a cron instance
func NewScheduler(reporter *Reporter, keys *auth.KeyManager, sessions *sso.SessionManager, metrics *observability.Metrics, logger *observability.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		reporter: reporter,
		keys:     keys,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.WithField("component", "scheduler"),
	}

	if _, err := s.cron.AddFunc(rollupSchedule, s.runDailyRollup); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(sessionSchedule, s.runSessionCleanup); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(budgetResetSchedule, s.runBudgetReset); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduled execution
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runDailyRollup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	if err := s.reporter.RollupDay(ctx, yesterday); err != nil {
		s.logger.WithError(err).Error("daily spend rollup failed")
		return
	}
	s.logger.WithField("day", yesterday.Format("2006-01-02")).Info("daily spend rollup completed")
}

func (s *Scheduler) runSessionCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dropped, err := s.sessions.CleanupExpired(ctx)
	if err != nil {
		s.logger.WithError(err).Error("session cleanup failed")
		return
	}
	if dropped > 0 {
		s.logger.WithField("sessions", dropped).Info("expired sessions removed")
	}
}

func (s *Scheduler) runBudgetReset() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reset, err := s.keys.ResetDueBudgets(ctx)
	if err != nil {
		s.logger.WithError(err).Error("budget reset failed")
	} else if reset > 0 {
		s.logger.WithField("keys", reset).Info("key budgets reset")
	}

	if active, err := s.keys.CountActiveKeys(ctx); err == nil {
		s.metrics.VirtualKeysActive.Set(float64(active))
	}
}
