// Package refresh blocks a task between install cycles.
//
// A schedule is either a Go duration ("1h", fixed delay measured from the
// end of the previous cycle) or a cron expression ("0 */6 * * *",
// "@every 30m"). The wait is interruptible through its context so a
// supervisor can shut tasks down gracefully.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// MinInterval is the shortest accepted refresh interval.
const MinInterval = time.Second

// ParseSchedule parses a refresh value. Durations keep their full precision;
// cron expressions are handled by the cron parser.
func ParseSchedule(value string) (cron.Schedule, error) {
	if d, err := time.ParseDuration(value); err == nil {
		if d < MinInterval {
			return nil, fmt.Errorf("refresh interval %s is shorter than %s", d, MinInterval)
		}
		return Interval(d), nil
	}

	schedule, err := parser.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", value, err)
	}
	return schedule, nil
}

// Interval fires a fixed duration after the given time.
type Interval time.Duration

// Next implements cron.Schedule.
func (i Interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}

// Scheduler waits for the next fire time of a schedule.
type Scheduler struct {
	schedule cron.Schedule
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock and the sleep primitive.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		s.now = now
		s.sleep = sleep
	}
}

// New returns a Scheduler for the given schedule.
func New(schedule cron.Schedule, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedule: schedule,
		now:      time.Now,
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next returns the time Wait would return if called now.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now())
}

// Wait blocks until the next fire time or until ctx is done, in which case
// ctx.Err() is returned.
func (s *Scheduler) Wait(ctx context.Context) error {
	now := s.now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		d = 0
	}
	return s.sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
