package cortex

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// recurrenceDue decides whether spec should fire again, given the task
// queue's record of its last execution (if any) and the count of
// completed executions so far. cycles/every are simple counters and
// duration arithmetic; cron delegates to github.com/robfig/cron/v3's
// standard 5-field parser, since the teacher's own ComputeNextRun only
// understands a fixed HH:MM + named-recurrence grammar with no
// equivalent to an arbitrary cron expression.
func recurrenceDue(spec RecurringTaskSpec, last Task, hasLast bool, completedCount int, now time.Time) (bool, error) {
	switch spec.Policy {
	case RecurCycles:
		return completedCount < spec.Cycles, nil

	case RecurEvery:
		d, err := time.ParseDuration(spec.Every)
		if err != nil {
			return false, &ValidationError{Field: "every", Message: fmt.Sprintf("invalid duration %q: %v", spec.Every, err)}
		}
		if !hasLast {
			return true, nil
		}
		return now.Sub(time.Unix(last.CreatedAt, 0)) >= d, nil

	case RecurCron:
		schedule, err := cron.ParseStandard(spec.Cron)
		if err != nil {
			return false, &ValidationError{Field: "cron", Message: fmt.Sprintf("invalid expression %q: %v", spec.Cron, err)}
		}
		if !hasLast {
			// A cron spec with no execution yet is due once its first
			// scheduled tick is at or before now; since the scheduler
			// polls rather than sleeping until the exact tick, treat
			// "never run" as immediately due and let the poll cadence
			// determine actual firing resolution.
			return true, nil
		}
		next := schedule.Next(time.Unix(last.CreatedAt, 0))
		return !next.After(now), nil

	default:
		return false, &ValidationError{Field: "policy", Message: fmt.Sprintf("unknown recurrence policy %q", spec.Policy)}
	}
}
