// Package model holds the shared domain types of the friend-calendar
// engine: master events and their derived instances, raw feed records,
// merged friend events, and the cache/window keying helpers.
package model

import "time"

// EventSource tags where an event came from. The set is closed on
// purpose so that merging and cache keying can switch exhaustively.
type EventSource string

const (
	SourceLocal        EventSource = "local"
	SourceExternalFeed EventSource = "external_feed"
	SourceFriend       EventSource = "friend"
)

// Role is the permission level a viewer holds on a friend's calendar.
type Role string

const (
	RoleNone        Role = ""
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleEditor      Role = "editor"
	RoleOwner       Role = "owner"
)

// ParseRole maps a permission-service string onto a known Role.
// Unknown values map to RoleNone.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleViewer, RoleContributor, RoleEditor, RoleOwner:
		return Role(s)
	}
	return RoleNone
}

// Permission is the snapshot returned by the permission service for a
// (viewer, owner) pair. It is computed fresh on every authorization
// check and never cached.
type Permission struct {
	HasAccess bool `json:"has_access"`
	Role      Role `json:"permission"`
}

// MasterEvent is a calendar event as owned by the external calendar
// source. The recurrence rule, if any, uses the RRULE grammar anchored
// at Start. Exceptions list occurrence starts removed from the series.
type MasterEvent struct {
	ID          string
	Title       string
	Description string

	Start    time.Time
	End      time.Time
	Timezone string
	AllDay   bool

	RecurrenceRule string
	Exceptions     []time.Time

	Sequence   int
	ModifiedAt time.Time
}

// Duration returns the master event's original span, preserved on
// every generated instance.
func (e MasterEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// EventInstance is one concrete occurrence of a master event inside a
// query window. Instances are derived, never persisted; they live for
// the duration of one expansion call.
type EventInstance struct {
	EventID    string
	InstanceID string
	Start      time.Time
	End        time.Time
	AllDay     bool
}

// InstanceID builds the composite identity of one occurrence: the
// master id plus the occurrence start.
func InstanceID(masterID string, start time.Time) string {
	return masterID + "/" + start.UTC().Format(time.RFC3339)
}

// RawEvent is an event record as decoded from the remote feed, before
// expansion and merging.
type RawEvent struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"externalId,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	IsAllDay    bool      `json:"isAllDay"`
	Color       string    `json:"color,omitempty"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`

	RecurrenceRule string      `json:"recurrenceRule,omitempty"`
	Exceptions     []time.Time `json:"exceptions,omitempty"`

	Sequence   int       `json:"sequence,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
}

// CanonicalID is the stable key used to deduplicate the same logical
// event seen from multiple fetches: the external/source id when
// present, else the local id.
func (r RawEvent) CanonicalID() string {
	if r.ExternalID != "" {
		return r.ExternalID
	}
	return r.ID
}

// Friend describes one friend whose calendar the viewer may see,
// together with the feed it is read from.
type Friend struct {
	ID          string
	ViewerID    string
	DisplayName string
	FeedID      string
	FeedName    string
}

// FriendEvent is an instance or singular event annotated with its
// provenance, ready for display.
type FriendEvent struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"owner_id"`
	OwnerName    string      `json:"owner_name"`
	FeedID       string      `json:"feed_id"`
	FeedName     string      `json:"feed_name"`
	Color        string      `json:"color"`
	Source       EventSource `json:"source"`
	IsFromFriend bool        `json:"is_from_friend"`

	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`

	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// SyncStatus records the last sync outcome for one owner. It is
// independent of cache entries and only used for status display.
type SyncStatus struct {
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}

// windowKeyLayout truncates to minute resolution so that repeated
// logically-identical queries with sub-minute jitter share a key.
const windowKeyLayout = "20060102T1504Z"

// WindowKey derives the stable cache key for a query window. Both
// bounds are normalized to UTC and truncated to the minute.
func WindowKey(start, end time.Time) string {
	return start.UTC().Truncate(time.Minute).Format(windowKeyLayout) +
		"_" +
		end.UTC().Truncate(time.Minute).Format(windowKeyLayout)
}
