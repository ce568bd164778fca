// Package recur expands recurring master events into concrete
// instances inside a finite query window.
package recur

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"friendcal/internal/model"
)

// ErrInvalidRecurrenceRule reports a malformed recurrence grammar.
// Callers degrade the affected event to non-recurring treatment instead
// of aborting sibling events.
var ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")

// ErrInvalidWindow reports a query window whose end precedes its start.
// Unbounded windows are not supported.
var ErrInvalidWindow = errors.New("window end is before window start")

// Options controls how expansion is performed.
type Options struct {
	// IncludeExceptions applies the event's exception timestamps:
	// candidates whose original start exactly equals an exception
	// instant are dropped. Matching is instant equality, not
	// date-only; this matters when several occurrences share a
	// calendar day.
	IncludeExceptions bool
}

// DefaultOptions returns the options used when the caller has no
// preference: exceptions are applied.
func DefaultOptions() Options {
	return Options{IncludeExceptions: true}
}

// Expander turns one master event plus a window into ordered concrete
// instances.
type Expander struct{}

// NewExpander creates an Expander.
func NewExpander() *Expander {
	return &Expander{}
}

// Expand generates the instances of ev whose starts fall inside
// [windowStart, windowEnd]. Each instance's end preserves the master
// event's original duration; all-day events span whole days. A
// malformed recurrence rule fails with ErrInvalidRecurrenceRule.
func (x *Expander) Expand(ev model.MasterEvent, windowStart, windowEnd time.Time, opts Options) ([]model.EventInstance, error) {
	if windowEnd.Before(windowStart) {
		return nil, ErrInvalidWindow
	}

	if ev.RecurrenceRule == "" {
		return x.expandSingle(ev, windowStart, windowEnd), nil
	}

	rule, err := rrule.StrToRRule(ev.RecurrenceRule)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRecurrenceRule, ev.RecurrenceRule, err)
	}

	anchor := ev.Start
	if loc := resolveLocation(ev.Timezone); loc != nil {
		anchor = ev.Start.In(loc)
	}
	rule.DTStart(anchor)

	var set rrule.Set
	set.RRule(rule)

	// Query the window in the event's own location; rrule comparisons
	// are wall-clock sensitive for zoned anchors.
	candidates := set.Between(windowStart.In(anchor.Location()), windowEnd.In(anchor.Location()), true)

	out := make([]model.EventInstance, 0, len(candidates))
	for _, start := range candidates {
		if opts.IncludeExceptions && isException(start, ev.Exceptions) {
			continue
		}
		out = append(out, makeInstance(ev, start))
	}
	return out, nil
}

// expandSingle handles a non-recurring event: one instance if its
// start lies inside the window, else none. This is also the degraded
// treatment for events whose rule failed to parse.
func (x *Expander) expandSingle(ev model.MasterEvent, windowStart, windowEnd time.Time) []model.EventInstance {
	if ev.Start.Before(windowStart) || ev.Start.After(windowEnd) {
		return nil
	}
	return []model.EventInstance{makeInstance(ev, ev.Start)}
}

// isException reports whether start names a removed occurrence.
// Comparison is instant equality: two timestamps naming the same
// instant in different zones match, a wall-clock-equal timestamp in a
// different zone does not.
func isException(start time.Time, exceptions []time.Time) bool {
	for _, ex := range exceptions {
		if start.Equal(ex) {
			return true
		}
	}
	return false
}

func makeInstance(ev model.MasterEvent, start time.Time) model.EventInstance {
	var end time.Time
	if ev.AllDay {
		// All-day: [date 00:00, next day 00:00) in the event's zone.
		date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
		start = date
		end = date.Add(24 * time.Hour)
	} else {
		end = start.Add(ev.Duration())
	}

	return model.EventInstance{
		EventID:    ev.ID,
		InstanceID: model.InstanceID(ev.ID, start),
		Start:      start,
		End:        end,
		AllDay:     ev.AllDay,
	}
}

// resolveLocation loads the named IANA zone, returning nil when the
// name is empty or unknown so callers keep the event's own location.
func resolveLocation(name string) *time.Location {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}
