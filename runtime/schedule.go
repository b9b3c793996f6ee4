package runtime

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Accepts five-field cron, six-field cron with a leading seconds column,
// and descriptors like @weekly.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule turns a schedule string into a cron.Schedule. Strings that
// are not cron expressions are tried as Go durations ("15m", "168h"), which
// become fixed-delay schedules.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("schedule string is empty")
	}

	if sched, err := cronParser.Parse(schedule); err == nil {
		return sched, nil
	}

	delay, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q is neither a cron expression nor a duration", schedule)
	}
	return cron.ConstantDelaySchedule{Delay: delay}, nil
}

// ComputeNextWake reports when the schedule next fires after base.
func ComputeNextWake(schedule string, base time.Time) (time.Time, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(base), nil
}
