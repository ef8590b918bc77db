package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// checkTimeout bounds one check run end to end, dispatch retries included.
const checkTimeout = 2 * time.Minute

// Scheduler fires the two daily checks on their cron schedules, in process.
// Cron specs are evaluated in the canonical rotation zone so "0 8 * * *"
// means 08:00 rotation time regardless of host clock.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

func New(checks *Checks, startSpec, endSpec string, loc *time.Location, logger *logrus.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))

	if _, err := c.AddFunc(startSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		checks.StartOfDay(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid start-of-day schedule %q: %w", startSpec, err)
	}
	if _, err := c.AddFunc(endSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		checks.EndOfDay(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid end-of-day schedule %q: %w", endSpec, err)
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("transition scheduler started")
}

// Stop halts the timers and waits for any running check to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("transition scheduler stopped")
}
