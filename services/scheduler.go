// services/scheduler.go
package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartNoShowScheduler runs ProcessDueMatches every interval. Matches become
// due once their survey window has elapsed. Call Shutdown on the returned
// scheduler to stop it.
func (s *NoShowService) StartNoShowScheduler(ctx context.Context, interval, window time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			results, err := s.ProcessDueMatches(ctx, time.Now().UTC(), window)
			if err != nil {
				s.logger.Error("[Scheduler] no-show sweep had failures", "error", err)
			}
			if len(results) > 0 {
				s.logger.Info("[Scheduler] no-show sweep processed matches", "count", len(results))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return sched, nil
}
