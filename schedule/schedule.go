// Package schedule resolves cron expressions for time-based automation
// rules. The rules engine itself never reads the clock; the scheduler calls
// Matches for each rule's expression and injects the result into the
// trigger context as dueNow.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Five-field expressions: minute hour day-of-month month day-of-week.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate reports whether expr is a well-formed cron expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Matches reports whether the expression fires on the minute containing t.
// Ticks are minute-granular: a scheduler invoking the engine once per minute
// sees each firing exactly once.
func Matches(expr string, t time.Time) (bool, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	tick := t.Truncate(time.Minute)
	return sched.Next(tick.Add(-time.Second)).Equal(tick), nil
}
