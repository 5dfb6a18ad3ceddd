package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/store"
)

// Job is one periodic sweep.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs sweeps on fixed intervals. A tick is skipped while the
// previous run of the same job is still going, and the detector sweeps also
// refuse to overlap a manual run.
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]Job
	log  *logrus.Entry
}

func NewScheduler(jobs ...Job) *Scheduler {
	log := logger.Component("scheduler")
	cl := cron.PrintfLogger(log)
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: make(map[string]Job, len(jobs)),
		log:  log,
	}
	for _, j := range jobs {
		s.jobs[j.Name] = j
	}
	return s
}

// Start registers every job with a positive interval and starts the cron loop.
// ctx is handed to each run; sweeps are not interrupted mid-flight.
func (s *Scheduler) Start(ctx context.Context) error {
	for name, j := range s.jobs {
		if j.Every <= 0 {
			s.log.WithField("job", name).Info("job disabled")
			continue
		}
		job := j
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.Every), func() {
			_ = s.run(ctx, job)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	s.cron.Start()
	s.log.WithField("jobs", len(s.jobs)).Info("scheduler started")
	return nil
}

// Stop halts scheduling and returns a context that is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunNow executes one job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: unknown job %q", ErrNotFound, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j Job) error {
	start := time.Now()
	err := j.Run(ctx)
	if errors.Is(err, ErrSweepBusy) {
		s.log.WithField("job", j.Name).Info("job skipped, a manual run is in progress")
		return err
	}
	metrics.ObserveSweep(j.Name, time.Since(start).Seconds())
	entry := s.log.WithFields(logrus.Fields{"job": j.Name, "duration": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Error("job failed")
		return err
	}
	entry.Debug("job finished")
	return nil
}

// Job names used by EngineJobs.
const (
	JobDDoSSweep       = "ddos_sweep"
	JobAbuseSweep      = "abuse_sweep"
	JobEscalationSweep = "escalation_sweep"
	JobLifecycleClean  = "lifecycle_cleanup"
	JobAlertCleanup    = "alert_cleanup"
	JobEventRetention  = "event_retention"
)

// EngineJobs builds the standard sweep set from configuration.
func EngineJobs(cfg config.Config, e Engine) []Job {
	if e.Clock == nil {
		e.Clock = SystemClock()
	}
	return []Job{
		{Name: JobDDoSSweep, Every: cfg.Flood.SweepInterval, Run: func(ctx context.Context) error {
			_, err := e.Flood.Sweep(ctx, 0)
			return err
		}},
		{Name: JobAbuseSweep, Every: cfg.Abuse.SweepInterval, Run: func(ctx context.Context) error {
			_, err := e.Abuse.Sweep(ctx)
			return err
		}},
		{Name: JobEscalationSweep, Every: cfg.Alerts.EscalationInterval, Run: func(ctx context.Context) error {
			_, err := e.Alerts.EscalationSweep(ctx)
			return err
		}},
		{Name: JobLifecycleClean, Every: cfg.Lifecycle.CleanupInterval, Run: func(ctx context.Context) error {
			_, err := e.Lifecycle.Cleanup(ctx)
			return err
		}},
		{Name: JobAlertCleanup, Every: time.Hour, Run: func(ctx context.Context) error {
			_, err := e.Alerts.Cleanup(ctx)
			return err
		}},
		{Name: JobEventRetention, Every: time.Hour, Run: func(ctx context.Context) error {
			n, err := e.Store.PurgeExpired(ctx, store.TableEvents, e.Clock.Now().Add(-cfg.Security.EventRetention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Component("scheduler").WithField("deleted", n).Info("old request events purged")
			}
			return nil
		}},
	}
}
