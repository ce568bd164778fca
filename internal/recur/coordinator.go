package recur

import (
	"errors"
	"time"

	applog "friendcal/internal/log"
	"friendcal/internal/model"
)

// DefaultAggregateCap bounds the total number of instances one
// multi-event expansion call may return.
const DefaultAggregateCap = 5000

// Coordinator runs the expander over many events with a shared
// aggregate instance budget.
type Coordinator struct {
	expander *Expander
	cap      int
}

// NewCoordinator creates a Coordinator with the given aggregate cap.
// A non-positive cap selects DefaultAggregateCap.
func NewCoordinator(aggregateCap int) *Coordinator {
	if aggregateCap <= 0 {
		aggregateCap = DefaultAggregateCap
	}
	return &Coordinator{
		expander: NewExpander(),
		cap:      aggregateCap,
	}
}

// ExpandMultiple expands every event in caller-supplied order,
// accumulating a running total across all events. Once the total
// reaches the aggregate cap, the event currently being processed keeps
// only enough instances to exactly reach the cap and every later event
// is skipped. Truncation emits exactly one warning; callers still
// receive the partial result.
//
// A malformed recurrence rule degrades that one event to non-recurring
// treatment rather than aborting its siblings.
func (c *Coordinator) ExpandMultiple(events []model.MasterEvent, windowStart, windowEnd time.Time) (map[string][]model.EventInstance, error) {
	if windowEnd.Before(windowStart) {
		return nil, ErrInvalidWindow
	}

	out := make(map[string][]model.EventInstance, len(events))
	total := 0
	truncated := false

	for _, ev := range events {
		if total >= c.cap {
			truncated = true
			break
		}

		instances, err := c.expander.Expand(ev, windowStart, windowEnd, DefaultOptions())
		if err != nil {
			if !errors.Is(err, ErrInvalidRecurrenceRule) {
				return nil, err
			}
			applog.Error("recurrence rule unparseable, degrading to single occurrence", err, "event_id", ev.ID)
			instances = c.expander.expandSingle(ev, windowStart, windowEnd)
		}

		if remaining := c.cap - total; len(instances) > remaining {
			instances = instances[:remaining]
			truncated = true
		}
		total += len(instances)
		out[ev.ID] = instances
	}

	if truncated {
		applog.Warn("multi-event expansion truncated at aggregate cap",
			"cap", c.cap,
			"events", len(events),
			"returned", total,
		)
	}

	return out, nil
}
