package store

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"backchannel/orchestra/internal/types"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

const maxEvents = 200

// Journal receives a durable copy of sessions and events.
type Journal interface {
	RecordSession(sess types.Session) error
	RecordEvent(sessionID string, evt types.Event) error
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	events   map[string][]types.Event
	stats    map[string]*types.Stats

	journal Journal
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Store)

// WithJournal mirrors every session and event into j. Journal errors are
// logged and never fail the in-memory write.
func WithJournal(j Journal) Option { return func(s *Store) { s.journal = j } }

func WithLogger(log *zap.Logger) Option { return func(s *Store) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*types.Session),
		events:   make(map[string][]types.Event),
		stats:    make(map[string]*types.Stats),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; ok {
		s.mu.Unlock()
		return ErrSessionExists
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now().UTC()
	}
	if sess.Status == "" {
		sess.Status = types.StatusActive
	}
	s.sessions[sess.ID] = sess
	s.events[sess.ID] = []types.Event{}
	s.stats[sess.ID] = newStats()
	snapshot := *sess
	s.mu.Unlock()

	s.journalSession(snapshot)
	return nil
}

// GetSession returns a copy of the session record.
func (s *Store) GetSession(id string) (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Session{}, false
	}
	return *sess, true
}

// EndSession marks a session ended. Ending twice keeps the first end time.
func (s *Store) EndSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.EndedAt != nil {
		s.mu.Unlock()
		return nil
	}
	at := s.now().UTC()
	sess.Status = types.StatusEnded
	sess.EndedAt = &at
	snapshot := *sess
	s.mu.Unlock()

	s.journalSession(snapshot)
	return nil
}

func (s *Store) AppendEvent(sessionID, typ string, payload map[string]any) types.Event {
	evt := types.Event{Type: typ, Ts: s.now().UTC(), Payload: payload}
	s.mu.Lock()
	s.events[sessionID] = append(s.events[sessionID], evt)
	// Cap total events per session to avoid unbounded growth
	if l := len(s.events[sessionID]); l > maxEvents {
		// Keep space for a single truncation warning so the total stays at maxEvents
		keep := maxEvents - 1
		dropped := l - keep
		kept := append([]types.Event(nil), s.events[sessionID][l-keep:]...)
		warn := types.Event{Type: types.EventTruncated, Ts: evt.Ts, Payload: map[string]any{"session_id": sessionID, "dropped": dropped, "kept": keep}}
		s.events[sessionID] = append(kept, warn)
	}
	if st := s.stats[sessionID]; st != nil {
		applyStats(st, evt)
	}
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.RecordEvent(sessionID, evt); err != nil {
			s.log.Warn("journal event failed", zap.String("session_id", sessionID), zap.String("type", typ), zap.Error(err))
		}
	}
	return evt
}

func (s *Store) ListEvents(sessionID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[sessionID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

// Stats returns a copy of the session's counters with duration computed up to
// the end time (or now for live sessions).
func (s *Store) Stats(sessionID string) (types.Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[sessionID]
	if !ok {
		return types.Stats{}, false
	}
	out := *st
	out.ReactionsByVoice = copyCounts(st.ReactionsByVoice)
	out.ReactionsByLayer = copyCounts(st.ReactionsByLayer)
	if sess := s.sessions[sessionID]; sess != nil {
		end := s.now().UTC()
		if sess.EndedAt != nil {
			end = *sess.EndedAt
		}
		out.DurationSeconds = end.Sub(sess.CreatedAt).Seconds()
	}
	return out, true
}

func (s *Store) ListSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// ListSessions returns copies of every session record.
func (s *Store) ListSessions() []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

func (s *Store) journalSession(sess types.Session) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordSession(sess); err != nil {
		s.log.Warn("journal session failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func newStats() *types.Stats {
	return &types.Stats{ReactionsByVoice: map[string]int{}, ReactionsByLayer: map[string]int{}}
}

func applyStats(st *types.Stats, evt types.Event) {
	switch evt.Type {
	case types.EventTranscript:
		st.Transcripts++
		if final, _ := evt.Payload["is_final"].(bool); final {
			st.Finals++
		}
		if s, ok := evt.Payload["sentiment"].(string); ok && s != "" {
			st.LastSentiment = s
		}
	case types.EventModeChange:
		st.ModeChanges++
	case types.EventReaction:
		st.Reactions++
		if v, ok := evt.Payload["voice"].(string); ok {
			st.ReactionsByVoice[v]++
		}
		if l, ok := evt.Payload["layer"].(string); ok {
			st.ReactionsByLayer[l]++
		}
	case types.EventReactionFailed:
		st.FailedReactions++
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
