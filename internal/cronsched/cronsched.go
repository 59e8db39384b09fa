// Package cronsched runs cron-expression-gated maintenance jobs: release
// cache pruning and expired-artifact purging (spec.md §2 items 12/14).
// Grounded on the teacher's cmd/gateway_cron.go cron-lane wiring, adapted
// from routing cron fires through the agent scheduler to ticking a
// gronx.Gronx expression check directly against the two maintenance
// jobs this core names, since no run-task invocation is involved.
package cronsched

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one cron-gated unit of work. Errors are logged, not fatal.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Runner evaluates each configured Job's cron expression once per tick
// and runs it when due.
type Runner struct {
	jobs   []Job
	gron   gronx.Gronx
	tick   time.Duration
	logger *slog.Logger
}

// New builds a Runner. tick is how often cron expressions are checked;
// it should divide evenly into the coarsest expression's period (a
// 1-minute tick suffices for anything expressed in whole minutes).
func New(jobs []Job, tick time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Runner{jobs: jobs, gron: gronx.New(), tick: tick, logger: logger}
}

// Run checks every configured job's cron expression once per tick until
// ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, job := range r.jobs {
				due, err := r.gron.IsDue(job.Expr, now)
				if err != nil {
					r.logger.Error("cronsched: invalid cron expression", "job", job.Name, "expr", job.Expr, "error", err)
					continue
				}
				if !due {
					continue
				}
				if err := job.Run(ctx); err != nil {
					r.logger.Error("cronsched: job failed", "job", job.Name, "error", err)
				}
			}
		}
	}
}
