// Package maintenance runs periodic housekeeping over the task queue:
// evicting old terminal tasks on a cron schedule and surfacing stuck
// in-flight markers to the operator.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/repobutler/pkg/logger"
	"github.com/dotsetgreg/repobutler/pkg/taskqueue"
)

// DefaultCron sweeps hourly.
const DefaultCron = "0 * * * *"

// Sweeper wakes once a minute and runs a sweep whenever the cron
// expression is due. It never mutates stuck tasks; it only reports them,
// force-failing is an operator decision.
type Sweeper struct {
	queue *taskqueue.Queue
	log   *slog.Logger
	expr  string
	gron  *gronx.Gronx

	now func() time.Time
}

func New(queue *taskqueue.Queue, log *slog.Logger, cronExpr string) (*Sweeper, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		return nil, fmt.Errorf("maintenance: invalid cron expression %q", cronExpr)
	}
	return &Sweeper{
		queue: queue,
		log:   log,
		expr:  cronExpr,
		gron:  gron,
		now:   time.Now,
	}, nil
}

// Run blocks until ctx is done, sweeping whenever the schedule fires.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			due, err := s.gron.IsDue(s.expr, s.now())
			if err != nil {
				s.log.Error("cron check failed", "expr", s.expr, "error", err)
				continue
			}
			if due {
				s.Sweep()
			}
		}
	}
}

// Sweep runs one housekeeping pass immediately, regardless of schedule.
func (s *Sweeper) Sweep() {
	evicted, err := s.queue.Cleanup()
	if err != nil {
		s.log.Error("task cleanup failed", "error", err)
	} else if evicted > 0 {
		s.log.Info("swept terminal tasks", "evicted", evicted)
	}

	if stuck, ok, err := s.queue.Stuck(); err != nil {
		s.log.Error("stuck check failed", "error", err)
	} else if ok && stuck.StartedAt != nil && s.now().Sub(*stuck.StartedAt) > time.Hour {
		s.log.Warn("task appears stuck, run `butlerd tasks unstick` to force-fail it",
			"id", stuck.ID, "startedAt", stuck.StartedAt)
	}
}
