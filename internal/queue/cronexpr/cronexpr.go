// Package cronexpr parses and evaluates standard 5-field cron
// expressions, computing the next occurrence strictly after a given
// instant in a named timezone. It is grounded on robfig/cron/v3's field
// parser (the same library the teacher repo uses for its own recurring
// maintenance jobs) rather than a hand-rolled parser, but wraps it with
// the semantics this queue needs: explicit validation, a default-UTC
// timezone, and a nil result (instead of robfig's zero time.Time) when
// no future occurrence exists.
package cronexpr

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a well-formed 5-field cron expression.
func Validate(expr string) bool {
	_, err := parser.Parse(expr)
	return err == nil
}

// NextOccurrence returns the next absolute UTC instant strictly after
// `after`, evaluated in the IANA timezone tz (UTC if tz is empty), or
// nil if expr has no future occurrence (robfig gives up and returns the
// zero time after scanning roughly five years forward; we treat that as
// "never").
func NextOccurrence(expr string, tz string, after time.Time) (*time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronexpr: parse %q: %w", expr, err)
	}

	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("cronexpr: load timezone %q: %w", tz, err)
		}
	}

	next := schedule.Next(after.In(loc))
	if next.IsZero() {
		return nil, nil
	}
	nextUTC := next.UTC()
	return &nextUTC, nil
}
