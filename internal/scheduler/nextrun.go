package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the classic five fields: minute, hour, day-of-month,
// month, day-of-week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// cronSchedule parses the expression, applying the TZ field when it names a
// loadable location. Unknown locations fall back to local time.
func cronSchedule(s Schedule) (cron.Schedule, error) {
	expr := s.Expr
	if s.TZ != "" {
		if _, err := time.LoadLocation(s.TZ); err == nil {
			expr = "CRON_TZ=" + s.TZ + " " + expr
		}
	}
	return cronParser.Parse(expr)
}

// ComputeNextRunAt returns the next fire time in epoch milliseconds, or
// ok=false when the schedule yields no future run. Results are strictly
// after now for every and cron; an at schedule fires at its instant when
// that instant is still ahead.
func ComputeNextRunAt(s Schedule, now time.Time) (int64, bool) {
	nowMs := now.UnixMilli()
	switch s.Kind {
	case ScheduleAt:
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return 0, false
		}
		atMs := t.UnixMilli()
		if atMs > nowMs {
			return atMs, true
		}
		return 0, false

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0, false
		}
		anchor := s.AnchorMs
		if anchor > nowMs {
			return anchor, true
		}
		// Floor plus one keeps the result strictly in the future even
		// when now falls exactly on an interval boundary.
		k := (nowMs-anchor)/s.EveryMs + 1
		return anchor + k*s.EveryMs, true

	case ScheduleCron:
		sched, err := cronSchedule(s)
		if err != nil {
			return 0, false
		}
		next := sched.Next(now)
		if next.IsZero() {
			return 0, false
		}
		return next.UnixMilli(), true

	default:
		return 0, false
	}
}
