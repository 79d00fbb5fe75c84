package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backchannel/orchestra/internal/types"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestCreateAndGetSession(t *testing.T) {
	st := New()
	require.NoError(t, st.CreateSession(&types.Session{ID: "abc123"}))
	got, ok := st.GetSession("abc123")
	require.True(t, ok)
	assert.Equal(t, "abc123", got.ID)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	assert.ErrorIs(t, st.CreateSession(&types.Session{ID: "abc123"}), ErrSessionExists)
	_, ok = st.GetSession("nope")
	assert.False(t, ok)
}

func TestEndSession(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	st := New(WithClock(clk.now))
	require.NoError(t, st.CreateSession(&types.Session{ID: "s"}))

	clk.t = clk.t.Add(90 * time.Second)
	require.NoError(t, st.EndSession("s"))
	clk.t = clk.t.Add(time.Hour)
	require.NoError(t, st.EndSession("s"))

	got, _ := st.GetSession("s")
	assert.Equal(t, types.StatusEnded, got.Status)
	require.NotNil(t, got.EndedAt)
	stats, ok := st.Stats("s")
	require.True(t, ok)
	assert.Equal(t, 90.0, stats.DurationSeconds)

	assert.ErrorIs(t, st.EndSession("missing"), ErrSessionNotFound)
}

func TestEventLogIsCapped(t *testing.T) {
	st := New()
	require.NoError(t, st.CreateSession(&types.Session{ID: "s"}))
	for i := 0; i < 250; i++ {
		st.AppendEvent("s", types.EventTranscript, map[string]any{"i": i, "is_final": i%2 == 0})
	}
	evs := st.ListEvents("s")
	require.Len(t, evs, maxEvents)
	last := evs[len(evs)-1]
	assert.Equal(t, types.EventTruncated, last.Type)
	assert.Equal(t, 249, evs[len(evs)-2].Payload["i"])

	stats, _ := st.Stats("s")
	assert.Equal(t, 250, stats.Transcripts, "counters survive truncation")
	assert.Equal(t, 125, stats.Finals)
}

func TestStatsCounters(t *testing.T) {
	st := New()
	require.NoError(t, st.CreateSession(&types.Session{ID: "s"}))
	st.AppendEvent("s", types.EventTranscript, map[string]any{"text": "hi", "is_final": true, "sentiment": "positive"})
	st.AppendEvent("s", types.EventReaction, map[string]any{"voice": "en-US-ken", "layer": "primary"})
	st.AppendEvent("s", types.EventReaction, map[string]any{"voice": "en-US-miles", "layer": "crowd"})
	st.AppendEvent("s", types.EventReactionFailed, map[string]any{"voice": "en-US-ken"})
	st.AppendEvent("s", types.EventModeChange, map[string]any{"mode": "heckler"})

	stats, ok := st.Stats("s")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Transcripts)
	assert.Equal(t, 1, stats.Finals)
	assert.Equal(t, 2, stats.Reactions)
	assert.Equal(t, 1, stats.FailedReactions)
	assert.Equal(t, map[string]int{"en-US-ken": 1, "en-US-miles": 1}, stats.ReactionsByVoice)
	assert.Equal(t, map[string]int{"primary": 1, "crowd": 1}, stats.ReactionsByLayer)
	assert.Equal(t, 1, stats.ModeChanges)
	assert.Equal(t, "positive", stats.LastSentiment)

	stats.ReactionsByVoice["x"] = 9
	again, _ := st.Stats("s")
	assert.NotContains(t, again.ReactionsByVoice, "x")
}

type recordingJournal struct {
	mu       sync.Mutex
	sessions []types.Session
	events   []string
	fail     bool
}

func (j *recordingJournal) RecordSession(s types.Session) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessions = append(j.sessions, s)
	return nil
}

func (j *recordingJournal) RecordEvent(id string, e types.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	j.events = append(j.events, id+":"+e.Type)
	return nil
}

func TestJournalMirror(t *testing.T) {
	j := &recordingJournal{}
	st := New(WithJournal(j))
	require.NoError(t, st.CreateSession(&types.Session{ID: "s"}))
	st.AppendEvent("s", types.EventModeChange, map[string]any{"mode": "coach"})
	require.NoError(t, st.EndSession("s"))

	require.Len(t, j.sessions, 2)
	assert.Equal(t, types.StatusActive, j.sessions[0].Status)
	assert.Equal(t, types.StatusEnded, j.sessions[1].Status)
	assert.Equal(t, []string{"s:mode_change"}, j.events)

	j.fail = true
	evt := st.AppendEvent("s", types.EventTranscript, nil)
	assert.Equal(t, types.EventTranscript, evt.Type)
	assert.Len(t, st.ListEvents("s"), 2)
}
