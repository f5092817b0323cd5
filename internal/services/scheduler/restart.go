package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/palwarden/internal/config"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/robfig/cron/v3"
)

// restartSchedules turns the configured clock times and interval into cron
// schedules. Clock times are evaluated in local time.
func restartSchedules(cfg models.ScheduleConfig) ([]cron.Schedule, error) {
	var out []cron.Schedule
	for _, t := range cfg.RestartTimes {
		hour, minute, ok := config.ParseRestartTime(t)
		if !ok {
			continue
		}
		sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
		if err != nil {
			return nil, fmt.Errorf("restart time %q: %w", t, err)
		}
		out = append(out, sched)
	}
	if cfg.RestartInterval > 0 {
		out = append(out, cron.Every(cfg.RestartInterval))
	}
	return out, nil
}

// nextRuns computes the first run of every schedule after from.
func nextRuns(schedules []cron.Schedule, from time.Time) []time.Time {
	next := make([]time.Time, len(schedules))
	for i, sched := range schedules {
		next[i] = sched.Next(from)
	}
	return next
}

// advanceDue moves every schedule whose run time has passed to its next run
// and reports whether any was due.
func advanceDue(schedules []cron.Schedule, next []time.Time, now time.Time) bool {
	due := false
	for i, sched := range schedules {
		if now.Before(next[i]) {
			continue
		}
		due = true
		next[i] = sched.Next(now)
	}
	return due
}

// dueReason names what fired: "schedule" when a clock time is due,
// otherwise "interval". The interval schedule, when present, is the last one.
func dueReason(cfg models.ScheduleConfig, schedules []cron.Schedule, next []time.Time, now time.Time) string {
	clockTimes := len(schedules)
	if cfg.RestartInterval > 0 {
		clockTimes--
	}
	for i := 0; i < clockTimes; i++ {
		if !now.Before(next[i]) {
			return "schedule"
		}
	}
	return "interval"
}

func pollInterval(cfg models.ScheduleConfig) time.Duration {
	d := cfg.PollInterval
	if d <= 0 {
		d = config.DefaultPollInterval
	}
	if d > config.MaxPollInterval {
		d = config.MaxPollInterval
	}
	return d
}

func (s *Scheduler) spawnRestartLoop(ctx context.Context, cfg models.ScheduleConfig, schedules []cron.Schedule) {
	next := nextRuns(schedules, time.Now())
	for i := range next {
		s.logger.Debug().Time("next_run", next[i]).Msg("restart scheduled")
	}

	s.spawn(ctx, "restart", pollInterval(cfg), func(context.Context) error {
		now := time.Now()
		reason := dueReason(cfg, schedules, next, now)
		if !advanceDue(schedules, next, now) {
			return nil
		}
		_, err := s.Trigger(models.ActionRestart, cfg.RestartLead, reason)
		return err
	})
}
