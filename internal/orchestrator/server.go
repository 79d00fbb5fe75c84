package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"backchannel/orchestra/internal/audio"
	"backchannel/orchestra/internal/persona"
	"backchannel/orchestra/internal/reaction"
	"backchannel/orchestra/internal/sentiment"
	"backchannel/orchestra/internal/store"
	"backchannel/orchestra/internal/stt"
	"backchannel/orchestra/internal/types"
)

// ErrSessionActive is returned when a session id is already running.
var ErrSessionActive = errors.New("session already active")

// Sink delivers outbound events to one client.
type Sink interface {
	WriteJSON(ctx context.Context, v any) error
	WriteBinary(ctx context.Context, b []byte) error
}

// Synthesizer renders one utterance. It must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string, prosody persona.Prosody) ([]byte, error)
}

// Transcriber is one session's streaming recognition connection. Events is
// closed once the connection is released.
type Transcriber interface {
	Send(pcm []byte) bool
	Events() <-chan stt.Event
	Finish(ctx context.Context) error
	Close()
}

// TranscriberFactory opens a started transcriber bound to ctx.
type TranscriberFactory func(ctx context.Context, sessionID string) Transcriber

type Config struct {
	Engine         reaction.Config
	ForwardInterim bool
	DebugSentiment bool
	CaptureDir     string
	// FlushTimeout bounds the transcriber flush once inbound audio ends.
	FlushTimeout time.Duration
}

// Snapshot is the published view of a live session.
type Snapshot struct {
	SessionID   string          `json:"session_id"`
	Mode        persona.Mode    `json:"mode"`
	Sentiment   sentiment.Label `json:"sentiment"`
	LastTrigger *time.Time      `json:"last_trigger,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Fragments   int             `json:"fragments"`
	Reactions   int             `json:"reactions"`
}

type liveSession struct {
	cancel context.CancelFunc
	snap   Snapshot
}

// Server coordinates sessions: one reaction engine per session, shared
// read-only collaborators across all of them.
type Server struct {
	cfg        Config
	registry   *persona.Registry
	classifier *sentiment.Classifier
	synth      Synthesizer
	transcribe TranscriberFactory
	store      *store.Store
	log        *zap.Logger
	engineOpts []reaction.Option

	mu   sync.Mutex
	sess map[string]*liveSession
}

type Option func(*Server)

// WithEngineOptions applies opts to every session's engine.
func WithEngineOptions(opts ...reaction.Option) Option {
	return func(s *Server) { s.engineOpts = append(s.engineOpts, opts...) }
}

func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = log } }

func WithClassifier(c *sentiment.Classifier) Option { return func(s *Server) { s.classifier = c } }

// NewServer creates a coordinator. st may be nil.
func NewServer(cfg Config, registry *persona.Registry, synth Synthesizer, transcribe TranscriberFactory, st *store.Store, opts ...Option) *Server {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if st == nil {
		st = store.New()
	}
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		synth:      synth,
		transcribe: transcribe,
		store:      st,
		log:        zap.NewNop(),
		sess:       make(map[string]*liveSession),
	}
	for _, o := range opts {
		o(s)
	}
	if s.classifier == nil {
		s.classifier = sentiment.NewClassifier(nil)
	}
	s.log = s.log.Named("orchestrator")
	return s
}

// DefaultMode is the persona new sessions start in.
func (s *Server) DefaultMode() persona.Mode {
	if m, ok := persona.ParseMode(s.cfg.Engine.DefaultMode); ok {
		return m
	}
	return persona.Coach
}

// SessionOption annotates a session record.
type SessionOption func(*types.Session)

func WithRemoteAddr(addr string) SessionOption {
	return func(r *types.Session) { r.RemoteAddr = addr }
}

// RunSession drives one client session until audio closes or ctx is
// cancelled. Fragments are handled one at a time in arrival order.
func (s *Server) RunSession(ctx context.Context, id string, sink Sink, audioIn <-chan []byte, opts ...SessionOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := reaction.New(s.cfg.Engine, s.registry, append([]reaction.Option{reaction.WithClassifier(s.classifier)}, s.engineOpts...)...)
	state := engine.State()
	rec := types.Session{ID: id, InitialMode: string(state.Mode)}
	for _, o := range opts {
		o(&rec)
	}

	if err := s.register(id, cancel, state); err != nil {
		return err
	}
	defer s.unregister(id)
	if err := s.store.CreateSession(&rec); err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	s.store.AppendEvent(id, types.EventSessionStarted, map[string]any{"mode": string(state.Mode), "remote_addr": rec.RemoteAddr})
	gaugeSessions.Inc()
	defer gaugeSessions.Dec()

	log := s.log.With(zap.String("session_id", id))
	log.Info("session started", zap.String("mode", string(state.Mode)), zap.String("remote_addr", rec.RemoteAddr))
	start := time.Now()

	var recorder *audio.Recorder
	if s.cfg.CaptureDir != "" {
		r, err := audio.NewRecorder(s.cfg.CaptureDir, id)
		if err != nil {
			log.Warn("audio capture disabled", zap.Error(err))
		} else {
			recorder = r
		}
	}

	tr := s.transcribe(ctx, id)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpAudio(ctx, tr, audioIn, recorder, log)
	}()

	sess := &session{id: id, srv: s, engine: engine, sink: sink, log: log}
	for ev := range tr.Events() {
		switch ev.Type {
		case stt.EventInterim, stt.EventFinal:
			sess.handleFragment(ctx, reaction.Fragment{Text: ev.Text, IsFinal: ev.Type == stt.EventFinal, ProviderSentiment: ev.Sentiment})
		case stt.EventError:
			log.Warn("transcriber error", zap.String("error", ev.Text))
		}
	}
	cancel()
	<-pumpDone

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Warn("close capture", zap.Error(err))
		} else {
			log.Info("audio captured", zap.String("path", recorder.Path()))
		}
	}
	s.store.AppendEvent(id, types.EventSessionEnded, map[string]any{"duration_ms": time.Since(start).Milliseconds()})
	if err := s.store.EndSession(id); err != nil {
		log.Warn("end session record", zap.Error(err))
	}
	log.Info("session ended", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// pumpAudio feeds inbound chunks to the transcriber. When audioIn closes the
// transcriber is asked to flush; when ctx ends it is released immediately.
func (s *Server) pumpAudio(ctx context.Context, tr Transcriber, audioIn <-chan []byte, rec *audio.Recorder, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			tr.Close()
			return
		case chunk, ok := <-audioIn:
			if !ok {
				fctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
				if err := tr.Finish(fctx); err != nil {
					log.Debug("transcriber flush incomplete", zap.Error(err))
				}
				cancel()
				tr.Close()
				return
			}
			metricAudioIn.Add(float64(len(chunk)))
			metricInputRMS.Observe(audio.RMS(chunk))
			if rec != nil {
				if err := rec.Write(chunk); err != nil {
					log.Warn("capture write failed", zap.Error(err))
					rec = nil
				}
			}
			if !tr.Send(chunk) {
				metricAudioDrops.Inc()
			}
		}
	}
}

func (s *Server) register(id string, cancel context.CancelFunc, st reaction.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sess[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionActive, id)
	}
	s.sess[id] = &liveSession{cancel: cancel, snap: Snapshot{SessionID: id, Mode: st.Mode, Sentiment: st.Sentiment, StartedAt: time.Now().UTC()}}
	return nil
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.sess, id)
	s.mu.Unlock()
}

// publish copies the engine state into the session's snapshot.
func (s *Server) publish(id string, st reaction.State, fragments, reactions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.sess[id]
	if ls == nil {
		return
	}
	ls.snap.Mode = st.Mode
	ls.snap.Sentiment = st.Sentiment
	if !st.LastTrigger.IsZero() {
		t := st.LastTrigger.UTC()
		ls.snap.LastTrigger = &t
	}
	ls.snap.Fragments = fragments
	ls.snap.Reactions = reactions
}

// ActiveSessions returns the number of running sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sess)
}

// Snapshot returns the published state of a running session.
func (s *Server) Snapshot(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sess[id]
	if !ok {
		return Snapshot{}, false
	}
	return ls.snap, true
}

// Snapshots lists running sessions ordered by start time.
func (s *Server) Snapshots() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.sess))
	for _, ls := range s.sess {
		out = append(out, ls.snap)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// EndSession cancels a running session. It reports whether one was found.
func (s *Server) EndSession(id string) bool {
	s.mu.Lock()
	ls, ok := s.sess[id]
	s.mu.Unlock()
	if ok {
		ls.cancel()
	}
	return ok
}

// Shutdown cancels every session and waits for them to unwind.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, ls := range s.sess {
		ls.cancel()
	}
	s.mu.Unlock()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for s.ActiveSessions() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
