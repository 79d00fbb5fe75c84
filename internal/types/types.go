package types

import "time"

// Event types recorded in a session's log.
const (
	EventSessionStarted = "session_started"
	EventTranscript     = "transcript"
	EventModeChange     = "mode_change"
	EventReaction       = "reaction"
	EventReactionFailed = "reaction_failed"
	EventSessionEnded   = "session_ended"
	EventTruncated      = "events_truncated"
)

// Session statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Session struct {
	ID          string     `json:"session_id"`
	RemoteAddr  string     `json:"remote_addr,omitempty"`
	InitialMode string     `json:"initial_mode"`
	CreatedAt   time.Time  `json:"created_at"`
	Status      string     `json:"status"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Stats summarizes a session's activity. Counters are not affected by event
// log truncation.
type Stats struct {
	Transcripts      int            `json:"transcripts"`
	Finals           int            `json:"finals"`
	Reactions        int            `json:"reactions"`
	FailedReactions  int            `json:"failed_reactions"`
	ReactionsByVoice map[string]int `json:"reactions_by_voice"`
	ReactionsByLayer map[string]int `json:"reactions_by_layer"`
	ModeChanges      int            `json:"mode_changes"`
	LastSentiment    string         `json:"last_sentiment,omitempty"`
	DurationSeconds  float64        `json:"duration_seconds"`
}
