// Package epg holds the program guide data model shared by the TVHeadend
// client, the snapshot store and the refresh coordinator.
package epg

import (
	"encoding/json"
	"sort"
	"time"
)

// Entry is one EPG event exactly as TVHeadend returned it. The bytes are
// passed through untouched; use Summary for a typed view.
type Entry json.RawMessage

// MarshalJSON returns the raw entry bytes.
func (e Entry) MarshalJSON() ([]byte, error) {
	if len(e) == 0 {
		return []byte("null"), nil
	}
	return e, nil
}

// UnmarshalJSON keeps a copy of the raw entry bytes.
func (e *Entry) UnmarshalJSON(data []byte) error {
	*e = append((*e)[0:0], data...)
	return nil
}

// Summary decodes the fields of an entry that consumers commonly need.
func (e Entry) Summary() (Summary, error) {
	var s Summary
	if err := json.Unmarshal(e, &s); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// Summary is a typed projection of a TVHeadend grid event.
type Summary struct {
	EventID     int64  `json:"eventId"`
	ChannelName string `json:"channelName"`
	ChannelUUID string `json:"channelUuid"`
	Title       string `json:"title"`
	Start       int64  `json:"start"`
	Stop        int64  `json:"stop"`
}

// StartTime returns the event start as a time.Time.
func (s Summary) StartTime() time.Time { return time.Unix(s.Start, 0) }

// StopTime returns the event stop as a time.Time.
func (s Summary) StopTime() time.Time { return time.Unix(s.Stop, 0) }

// Snapshot is the complete result of one successful fetch.
type Snapshot struct {
	Entries   []Entry   `json:"entries"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Len returns the number of entries in the snapshot.
func (s Snapshot) Len() int { return len(s.Entries) }

// Upcoming returns up to limit events that have not finished at now,
// ordered by start time. Entries that cannot be decoded are skipped.
func (s Snapshot) Upcoming(now time.Time, limit int) []Summary {
	var out []Summary
	for _, entry := range s.Entries {
		sum, err := entry.Summary()
		if err != nil || sum.Stop == 0 {
			continue
		}
		if !sum.StopTime().After(now) {
			continue
		}
		out = append(out, sum)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
