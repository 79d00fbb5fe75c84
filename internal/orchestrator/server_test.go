package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"backchannel/orchestra/internal/persona"
	"backchannel/orchestra/internal/reaction"
	"backchannel/orchestra/internal/sentiment"
	"backchannel/orchestra/internal/store"
	"backchannel/orchestra/internal/stt"
	"backchannel/orchestra/internal/types"
)

var registry = persona.Default(persona.Voices{})

func isCrowdVoice(v string) bool {
	c := registry.CrowdVoices()
	return v == c[0] || v == c[1]
}

// recordingSink flattens writes into "json:<type>" and "bin:<payload>" items.
type recordingSink struct {
	mu    sync.Mutex
	items []string
	jsons []map[string]any
	fail  bool
}

func (s *recordingSink) WriteJSON(_ context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("closed")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.items = append(s.items, "json:"+m["type"].(string))
	s.jsons = append(s.jsons, m)
	return nil
}

func (s *recordingSink) WriteBinary(_ context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("closed")
	}
	s.items = append(s.items, "bin:"+string(b))
	return nil
}

func (s *recordingSink) snapshot() ([]string, []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...), append([]map[string]any(nil), s.jsons...)
}

type synthFunc func(ctx context.Context, text, voiceID string, p persona.Prosody) ([]byte, error)

func (f synthFunc) Synthesize(ctx context.Context, text, voiceID string, p persona.Prosody) ([]byte, error) {
	return f(ctx, text, voiceID, p)
}

func echoSynth(calls *atomic.Int32) synthFunc {
	return func(_ context.Context, _ string, voiceID string, _ persona.Prosody) ([]byte, error) {
		if calls != nil {
			calls.Add(1)
		}
		return []byte(voiceID), nil
	}
}

type fakeTranscriber struct {
	events   chan stt.Event
	once     sync.Once
	finished atomic.Bool
	closed   atomic.Bool

	mu   sync.Mutex
	sent [][]byte
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{events: make(chan stt.Event, 16)}
}

func (f *fakeTranscriber) Send(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return true
}

func (f *fakeTranscriber) Events() <-chan stt.Event { return f.events }

func (f *fakeTranscriber) Finish(context.Context) error {
	f.finished.Store(true)
	f.release()
	return nil
}

func (f *fakeTranscriber) Close() {
	f.closed.Store(true)
	f.release()
}

func (f *fakeTranscriber) release() { f.once.Do(func() { close(f.events) }) }

func (f *fakeTranscriber) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestServer(t *testing.T, cfg Config, synth Synthesizer, factory TranscriberFactory) (*Server, *store.Store) {
	st := store.New()
	if factory == nil {
		factory = func(context.Context, string) Transcriber { return newFakeTranscriber() }
	}
	srv := NewServer(cfg, registry, synth, factory, st,
		WithLogger(zaptest.NewLogger(t)),
		WithEngineOptions(reaction.WithClock(fixedClock())))
	return srv, st
}

func newTestSession(t *testing.T, srv *Server, st *store.Store, sink Sink) *session {
	require.NoError(t, st.CreateSession(&types.Session{ID: "s1"}))
	engine := reaction.New(srv.cfg.Engine, srv.registry, append([]reaction.Option{reaction.WithClassifier(srv.classifier)}, srv.engineOpts...)...)
	return &session{id: "s1", srv: srv, engine: engine, sink: sink, log: srv.log}
}

func final(text string) reaction.Fragment { return reaction.Fragment{Text: text, IsFinal: true} }

func TestOrderPreservedWhenCrowdFinishesFirst(t *testing.T) {
	crowdDone := make(chan struct{})
	synth := synthFunc(func(ctx context.Context, text, voiceID string, _ persona.Prosody) ([]byte, error) {
		if isCrowdVoice(voiceID) {
			defer close(crowdDone)
			return []byte("crowd"), nil
		}
		select {
		case <-crowdDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte("primary"), nil
	})
	srv, st := newTestServer(t, Config{Engine: reaction.Config{DefaultMode: "coach"}}, synth, nil)
	sink := &recordingSink{}
	sess := newTestSession(t, srv, st, sink)

	sess.handleFragment(context.Background(), final("this project is absolutely amazing"))

	items, jsons := sink.snapshot()
	require.Equal(t, []string{"json:transcript", "bin:primary", "json:feedback", "bin:crowd", "json:feedback"}, items)
	assert.Equal(t, "positive", jsons[0]["sentiment"])
	assert.Equal(t, true, jsons[0]["is_final"])
	assert.Equal(t, "en-US-ken", jsons[1]["voice"])
	assert.Equal(t, "primary", jsons[1]["layer"])
	assert.Contains(t, reaction.CrowdPhrases, jsons[2]["text"])
	assert.Equal(t, "crowd", jsons[2]["layer"])
}

func TestPartialFailureDeliversSurvivor(t *testing.T) {
	synth := synthFunc(func(_ context.Context, _ string, voiceID string, _ persona.Prosody) ([]byte, error) {
		if !isCrowdVoice(voiceID) {
			return nil, errors.New("no audio")
		}
		return []byte("crowd"), nil
	})
	srv, st := newTestServer(t, Config{}, synth, nil)
	sink := &recordingSink{}
	sess := newTestSession(t, srv, st, sink)

	sess.handleFragment(context.Background(), final("what a great result"))

	items, _ := sink.snapshot()
	assert.Equal(t, []string{"json:transcript", "bin:crowd", "json:feedback"}, items)
	stats, ok := st.Stats("s1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Reactions)
	assert.Equal(t, 1, stats.FailedReactions)
	assert.Equal(t, map[string]int{"crowd": 1}, stats.ReactionsByLayer)
}

func TestModeSwitchSendsOneNotification(t *testing.T) {
	var calls atomic.Int32
	srv, st := newTestServer(t, Config{}, echoSynth(&calls), nil)
	sink := &recordingSink{}
	sess := newTestSession(t, srv, st, sink)

	sess.handleFragment(context.Background(), final("okay, switch to heckler now"))

	items, jsons := sink.snapshot()
	assert.Equal(t, []string{"json:transcript", "json:mode_change"}, items)
	assert.Equal(t, "heckler", jsons[1]["mode"])
	assert.Equal(t, persona.Heckler, sess.engine.State().Mode)
	assert.True(t, sess.engine.State().LastTrigger.IsZero(), "mode switch does not consume the cooldown")
	assert.Zero(t, calls.Load())

	sess.handleFragment(context.Background(), final("this is terrible"))
	items, jsons = sink.snapshot()
	require.Len(t, items, 5)
	assert.Equal(t, "en-US-terrell", jsons[3]["voice"])
}

func TestModeSwitchAcrossInterimsNotifiesOnce(t *testing.T) {
	var calls atomic.Int32
	srv, st := newTestServer(t, Config{ForwardInterim: true}, echoSynth(&calls), nil)
	sink := &recordingSink{}
	sess := newTestSession(t, srv, st, sink)
	ctx := context.Background()

	sess.handleFragment(ctx, reaction.Fragment{Text: "okay switch to heckler"})
	assert.Equal(t, persona.Coach, sess.engine.State().Mode)
	sess.handleFragment(ctx, reaction.Fragment{Text: "okay switch to heckler now"})
	sess.handleFragment(ctx, final("okay switch to heckler now please"))

	items, jsons := sink.snapshot()
	assert.Equal(t, []string{"json:transcript", "json:transcript", "json:transcript", "json:mode_change"}, items)
	assert.Equal(t, "heckler", jsons[3]["mode"])
	assert.Equal(t, persona.Heckler, sess.engine.State().Mode)
	assert.Zero(t, calls.Load(), "switch fragments never reach Decide")

	modeChanges := 0
	for _, ev := range st.ListEvents("s1") {
		if ev.Type == types.EventModeChange {
			modeChanges++
		}
	}
	assert.Equal(t, 1, modeChanges)
}

func TestInterimForwarding(t *testing.T) {
	srv, st := newTestServer(t, Config{ForwardInterim: false}, echoSynth(nil), nil)
	sink := &recordingSink{}
	sess := newTestSession(t, srv, st, sink)

	sess.handleFragment(context.Background(), reaction.Fragment{Text: "so um"})
	items, _ := sink.snapshot()
	assert.Empty(t, items)

	srv.cfg.ForwardInterim = true
	sess.handleFragment(context.Background(), reaction.Fragment{Text: "so um yeah"})
	items, jsons := sink.snapshot()
	assert.Equal(t, []string{"json:transcript"}, items)
	assert.Equal(t, false, jsons[0]["is_final"])

	stats, _ := st.Stats("s1")
	assert.Equal(t, 2, stats.Transcripts)
	assert.Equal(t, 0, stats.Finals)
}

func TestCooldownSuppressesSecondReaction(t *testing.T) {
	var calls atomic.Int32
	srv, st := newTestServer(t, Config{}, echoSynth(&calls), nil)
	sink := &recordingSink{}
	sess := newTestSession(t, srv, st, sink)

	sess.handleFragment(context.Background(), final("the plan is fine"))
	sess.handleFragment(context.Background(), final("the second plan is also fine"))

	items, _ := sink.snapshot()
	assert.Equal(t, []string{"json:transcript", "bin:en-US-ken", "json:feedback", "json:transcript"}, items)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelledFanoutIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	synth := synthFunc(func(_ context.Context, _ string, voiceID string, _ persona.Prosody) ([]byte, error) {
		cancel()
		return []byte(voiceID), nil
	})
	srv, st := newTestServer(t, Config{}, synth, nil)
	sink := &recordingSink{}
	sess := newTestSession(t, srv, st, sink)

	sess.handleFragment(ctx, final("fine"))
	items, _ := sink.snapshot()
	assert.Equal(t, []string{"json:transcript"}, items)
}

func TestRunSessionEndToEnd(t *testing.T) {
	trs := make(chan *fakeTranscriber, 1)
	factory := func(context.Context, string) Transcriber {
		tr := newFakeTranscriber()
		trs <- tr
		return tr
	}
	srv, st := newTestServer(t, Config{CaptureDir: t.TempDir()}, echoSynth(nil), factory)
	sink := &recordingSink{}
	audio := make(chan []byte, 4)

	done := make(chan error, 1)
	go func() { done <- srv.RunSession(context.Background(), "sess-a", sink, audio, WithRemoteAddr("10.1.1.1")) }()

	tr := <-trs
	audio <- []byte{0, 0, 1, 0}
	audio <- []byte{2, 0, 3, 0}
	require.Eventually(t, func() bool { return tr.sentCount() == 2 }, time.Second, 5*time.Millisecond)

	tr.events <- stt.Event{Type: stt.EventInterim, Text: "this project"}
	neg := sentiment.Negative
	tr.events <- stt.Event{Type: stt.EventFinal, Text: "this project is absolutely amazing", Sentiment: &neg}
	require.Eventually(t, func() bool {
		items, _ := sink.snapshot()
		return len(items) >= 3
	}, time.Second, 5*time.Millisecond)

	var snap Snapshot
	require.Eventually(t, func() bool {
		snap, _ = srv.Snapshot("sess-a")
		return snap.Fragments == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, persona.Coach, snap.Mode)
	assert.Equal(t, sentiment.Negative, snap.Sentiment, "provider sentiment wins")
	assert.Equal(t, 1, snap.Reactions)
	assert.NotNil(t, snap.LastTrigger)
	assert.Equal(t, 1, srv.ActiveSessions())

	close(audio)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after audio closed")
	}
	assert.True(t, tr.finished.Load())
	assert.Equal(t, 0, srv.ActiveSessions())

	items, _ := sink.snapshot()
	assert.Equal(t, []string{"json:transcript", "bin:en-US-ken", "json:feedback"}, items, "interim not forwarded by default")

	rec, ok := st.GetSession("sess-a")
	require.True(t, ok)
	assert.Equal(t, types.StatusEnded, rec.Status)
	assert.Equal(t, "10.1.1.1", rec.RemoteAddr)
	assert.Equal(t, "coach", rec.InitialMode)
	evs := st.ListEvents("sess-a")
	assert.Equal(t, types.EventSessionStarted, evs[0].Type)
	assert.Equal(t, types.EventSessionEnded, evs[len(evs)-1].Type)
}

func TestEndSessionCancelsRun(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, echoSynth(nil), nil)
	audio := make(chan []byte)
	done := make(chan error, 1)
	go func() { done <- srv.RunSession(context.Background(), "sess-b", &recordingSink{}, audio) }()

	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, srv.EndSession("other"))
	assert.True(t, srv.EndSession("sess-b"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	_, ok := srv.Snapshot("sess-b")
	assert.False(t, ok)
}

func TestDuplicateSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, echoSynth(nil), nil)
	audio := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunSession(ctx, "dup", &recordingSink{}, audio)
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)

	err := srv.RunSession(ctx, "dup", &recordingSink{}, make(chan []byte))
	assert.ErrorIs(t, err, ErrSessionActive)

	cancel()
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownWaitsForSessions(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, echoSynth(nil), nil)
	for i := 0; i < 3; i++ {
		go srv.RunSession(context.Background(), fmt.Sprintf("s-%d", i), &recordingSink{}, make(chan []byte))
	}
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, srv.Snapshots(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, srv.ActiveSessions())
}

func TestDefaultMode(t *testing.T) {
	srv, _ := newTestServer(t, Config{Engine: reaction.Config{DefaultMode: "supportive"}}, echoSynth(nil), nil)
	assert.Equal(t, persona.Supportive, srv.DefaultMode())
	srv, _ = newTestServer(t, Config{Engine: reaction.Config{DefaultMode: "pirate"}}, echoSynth(nil), nil)
	assert.Equal(t, persona.Coach, srv.DefaultMode())
}
