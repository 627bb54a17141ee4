package epg

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_PassThrough(t *testing.T) {
	raw := `{"id":1,"title":"News","extra":{"nested":[1,2,3]}}`

	var entries []Entry
	require.NoError(t, json.Unmarshal([]byte(`[`+raw+`]`), &entries))
	require.Len(t, entries, 1)

	out, err := json.Marshal(entries)
	require.NoError(t, err)
	assert.JSONEq(t, `[`+raw+`]`, string(out))
}

func TestEntry_EmptyMarshalsAsNull(t *testing.T) {
	out, err := json.Marshal(Entry(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestSnapshot_Upcoming(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	snap := Snapshot{
		Entries: []Entry{
			Entry(`{"eventId":1,"title":"Finished","start":1699990000,"stop":1699999000}`),
			Entry(`{"eventId":2,"title":"Later","start":1700007200,"stop":1700010800}`),
			Entry(`{"eventId":3,"title":"On now","start":1699999500,"stop":1700003600}`),
			Entry(`not json`),
			Entry(`{"id":4,"title":"No times"}`),
		},
	}

	upcoming := snap.Upcoming(now, 0)
	require.Len(t, upcoming, 2)
	assert.Equal(t, "On now", upcoming[0].Title)
	assert.Equal(t, "Later", upcoming[1].Title)

	limited := snap.Upcoming(now, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(3), limited[0].EventID)
}
