package goalscheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tkenaz/titan/internal/apperrors"
)

// Schedule computes the next run time for a recurring goal.
type Schedule interface {
	Next(now time.Time) time.Time
}

type everySchedule struct{ interval time.Duration }

func (s everySchedule) Next(now time.Time) time.Time { return now.Add(s.interval) }

type cronSchedule struct{ sched cron.Schedule }

func (s cronSchedule) Next(now time.Time) time.Time { return s.sched.Next(now) }

// ParseSchedule accepts either "@every <duration>" (e.g. "@every 30s")
// or a standard 5-field cron expression. It deliberately does not
// support the predefined descriptors (@daily, @hourly, ...) the
// reference platform's Python cron grammar allows — those are out of
// scope here.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, apperrors.Validation("schedule must not be empty")
	}

	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, apperrors.Validation("invalid @every duration: " + err.Error())
		}
		if d <= 0 {
			return nil, apperrors.Validation("@every duration must be positive")
		}
		return everySchedule{interval: d}, nil
	}

	if strings.HasPrefix(spec, "@") {
		return nil, apperrors.Validation("unsupported schedule descriptor: " + spec)
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, apperrors.Validation("invalid cron expression: " + err.Error())
	}
	return cronSchedule{sched: sched}, nil
}
