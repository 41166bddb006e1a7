// Package workers runs the scheduled maintenance jobs: retention cleanup,
// pending-cleanup recovery, token expiry scans and iCal feed polls.
package workers

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/util"
)

// Runner owns the cron scheduler and the registered jobs.
type Runner struct {
	cron *cron.Cron
}

// Job is one scheduled maintenance task.
type Job interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) error
}

// NewRunner creates an empty runner.
func NewRunner() *Runner {
	return &Runner{cron: cron.New()}
}

// Register adds a job under its cron schedule.
func (r *Runner) Register(ctx context.Context, j Job) error {
	_, err := r.cron.AddFunc(j.Schedule(), func() {
		if err := j.Run(ctx); err != nil {
			util.Error("Scheduled job failed", "job", j.Name(), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", j.Name(), err)
	}
	util.Info("Scheduled job registered", "job", j.Name(), "schedule", j.Schedule())
	return nil
}

// Start begins running the registered jobs on their schedules.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	util.Info("Scheduled jobs stopped")
}

// RegisterAll wires the standard job set.
func RegisterAll(ctx context.Context, r *Runner, cfg *config.Config, deps Deps) error {
	jobs := []Job{
		NewCleanupJob(cfg, deps.Records, deps.Reviews),
		NewRecoveryJob(deps.Engine),
		NewTokenScanJob(cfg, deps.Tokens),
		NewFeedPollJob(cfg, deps.Integrations, deps.Engine),
	}
	for _, j := range jobs {
		if err := r.Register(ctx, j); err != nil {
			return err
		}
	}
	return nil
}
