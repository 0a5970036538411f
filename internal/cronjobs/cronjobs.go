// Package cronjobs supplements the coordinator's plain poll-interval loop
// with cron-scheduled reconcile kicks for individual goals, for operators
// who want a goal re-checked on a calendar schedule (e.g. a nightly
// dependency-update goal) rather than only on every poll tick.
package cronjobs

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler is the subset of *coordinator.Coordinator that cronjobs needs.
type Reconciler interface {
	ReconcileGoal(ctx context.Context, goalID string) error
}

// Job schedules goalID's reconciliation on a standard 5-field cron
// expression.
type Job struct {
	GoalID     string
	Expression string
}

// Scheduler wraps a robfig/cron runner, dispatching each job's tick into
// a reconciler call and logging (never panicking on) failures.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New constructs a Scheduler. Background ctx is used for every dispatched
// ReconcileGoal call; cancel it to make in-flight reconciles abort.
func New(ctx context.Context, reconciler Reconciler, jobs []Job, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New()
	s := &Scheduler{cron: c, logger: logger}

	for _, j := range jobs {
		job := j
		_, err := c.AddFunc(job.Expression, func() {
			if err := reconciler.ReconcileGoal(ctx, job.GoalID); err != nil {
				logger.Error("cron reconcile failed", zap.String("goal_id", job.GoalID), zap.String("expression", job.Expression), zap.Error(err))
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels the scheduler, waiting for any running job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
