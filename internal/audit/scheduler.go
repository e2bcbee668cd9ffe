package audit

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler runs retention purges on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// StartPurgeScheduler purges a's expired rows on schedule, a standard cron
// expression or a descriptor such as "@daily".
func StartPurgeScheduler(a *Auditor, schedule string) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := a.PurgeOlderThan(0); err != nil {
			log.Printf("[audit] scheduled purge failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid audit purge schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("[audit] purge scheduled %q, retention %d days", schedule, a.RetentionDays())
	return &Scheduler{cron: c}, nil
}

// Stop stops scheduling and returns a context that is done once a running
// purge has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
