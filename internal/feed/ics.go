package feed

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	applog "friendcal/internal/log"
	"friendcal/internal/model"
)

// parseICS decodes a text/calendar feed body into raw event records.
// VEVENTs that fail to parse are skipped; the rest of the document is
// still used. Recurrence rules and exception dates are carried through
// unexpanded so the expansion pipeline handles them like JSON records.
func parseICS(ownerID string, body []byte) ([]model.RawEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty calendar body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]model.RawEvent, 0)
	for _, ve := range cal.Events() {
		rec, err := parseVEvent(ve)
		if err != nil {
			applog.Warn("skipping unparseable VEVENT", "owner_id", ownerID, "err", err)
			continue
		}
		events = append(events, rec)
	}

	applog.Debug("calendar body parsed", "owner_id", ownerID, "events", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (model.RawEvent, error) {
	var out model.RawEvent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.ID = uid.Value
	out.ExternalID = uid.Value

	// Instance overrides carry a RECURRENCE-ID; the sync pipeline only
	// models whole-series exceptions, so overrides are dropped here.
	if ve.GetProperty("RECURRENCE-ID") != nil {
		return out, errors.New("recurrence override not supported")
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Sequence = n
		}
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, errors.New("missing or unparseable DTSTART")
	}
	end, err := ve.GetEndAt()
	if err != nil {
		end = start
	}
	out.StartTime = start
	out.EndTime = end

	// All-day when DTSTART is VALUE=DATE or a bare date.
	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.IsAllDay = true
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.IsAllDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RecurrenceRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.Exceptions = append(out.Exceptions, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.ModifiedAt = t
		}
	}

	return out, nil
}

// parseICSTime parses the basic ICS date / date-time forms used by
// EXDATE and LAST-MODIFIED.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		const layout = "20060102T150405Z"
		return time.Parse(layout, v)
	}
	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		return time.ParseInLocation(layout, v, time.UTC)
	}
	const layoutDate = "20060102"
	return time.ParseInLocation(layoutDate, v, time.UTC)
}
