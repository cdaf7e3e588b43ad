// Package jobs runs the service's background maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/opd/internal/domain/consultation"
)

// sweepTimeout bounds one sweep run.
const sweepTimeout = time.Minute

// Sweeper marks pending completion markers older than the lease as
// abandoned so a crashed or hung completion stops blocking its appointment.
type Sweeper struct {
	journal consultation.Journal
	lease   time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

func NewSweeper(journal consultation.Journal, lease time.Duration, logger zerolog.Logger) *Sweeper {
	if lease <= 0 {
		lease = consultation.DefaultCompletionLease
	}
	return &Sweeper{
		journal: journal,
		lease:   lease,
		logger:  logger.With().Str("job", "completion-sweeper").Logger(),
		now:     time.Now,
	}
}

// RunOnce expires stale pending markers and returns them.
func (s *Sweeper) RunOnce(ctx context.Context) ([]*consultation.JournalEntry, error) {
	cutoff := s.now().Add(-s.lease)
	expired, err := s.journal.ExpirePending(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire pending completions: %w", err)
	}
	for _, e := range expired {
		s.logger.Warn().
			Str("completion_id", e.ID.String()).
			Int64("appointment_id", e.AppointmentID).
			Str("step", string(e.Step)).
			Time("started_at", e.StartedAt).
			Msg("abandoned completion expired")
	}
	return expired, nil
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		),
		logger: logger,
	}
}

// AddSweeper schedules s using a standard cron spec or a descriptor such as
// "@every 5m".
func (sc *Scheduler) AddSweeper(spec string, s *Sweeper) error {
	_, err := sc.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", spec, err)
	}
	return nil
}

func (sc *Scheduler) Start() {
	sc.cron.Start()
	sc.logger.Info().Int("jobs", len(sc.cron.Entries())).Msg("scheduler started")
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (sc *Scheduler) Stop(ctx context.Context) {
	done := sc.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		sc.logger.Warn().Msg("scheduler stop timed out")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
