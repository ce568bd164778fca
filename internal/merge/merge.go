// Package merge deduplicates events pulled from one friend's feed and
// annotates them with display provenance.
package merge

import (
	"hash/fnv"
	"sort"

	"friendcal/internal/model"
)

// palette is the fixed set of display colors assigned to friend feeds.
// The same owner always maps to the same entry across sessions.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// ColorFor returns the stable display color for an owner, derived from
// the owner id with FNV-1a over the fixed palette.
func ColorFor(ownerID string) string {
	h := fnv.New32a()
	h.Write([]byte(ownerID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Merge deduplicates raw events by canonical identity and converts the
// survivors into FriendEvents tagged with the friend's provenance. On
// an identity collision the record with the more recent modification
// timestamp wins, but any field the winner is missing is backfilled
// from the loser. The result is ordered by start time, then canonical
// id.
func Merge(friend model.Friend, raw []model.RawEvent) []model.FriendEvent {
	byIdentity := make(map[string]model.RawEvent, len(raw))
	order := make([]string, 0, len(raw))

	for _, r := range raw {
		id := r.CanonicalID()
		if id == "" {
			continue
		}
		existing, seen := byIdentity[id]
		if !seen {
			byIdentity[id] = r
			order = append(order, id)
			continue
		}
		winner, loser := existing, r
		if r.ModifiedAt.After(existing.ModifiedAt) {
			winner, loser = r, existing
		}
		byIdentity[id] = backfill(winner, loser)
	}

	color := ColorFor(friend.ID)
	out := make([]model.FriendEvent, 0, len(order))
	for _, id := range order {
		r := byIdentity[id]
		out = append(out, model.FriendEvent{
			ID:           id,
			OwnerID:      friend.ID,
			OwnerName:    friend.DisplayName,
			FeedID:       friend.FeedID,
			FeedName:     friend.FeedName,
			Color:        color,
			Source:       model.SourceFriend,
			IsFromFriend: true,
			Title:        r.Title,
			Description:  r.Description,
			Location:     r.Location,
			Attendees:    r.Attendees,
			Start:        r.StartTime,
			End:          r.EndTime,
			AllDay:       r.IsAllDay,
			ModifiedAt:   r.ModifiedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// backfill copies any field the winner is missing from the loser.
func backfill(winner, loser model.RawEvent) model.RawEvent {
	if winner.Title == "" {
		winner.Title = loser.Title
	}
	if winner.Description == "" {
		winner.Description = loser.Description
	}
	if winner.Location == "" {
		winner.Location = loser.Location
	}
	if winner.Color == "" {
		winner.Color = loser.Color
	}
	if len(winner.Attendees) == 0 {
		winner.Attendees = loser.Attendees
	}
	if winner.StartTime.IsZero() {
		winner.StartTime = loser.StartTime
	}
	if winner.EndTime.IsZero() {
		winner.EndTime = loser.EndTime
	}
	return winner
}
