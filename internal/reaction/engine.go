package reaction

import (
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"backchannel/orchestra/internal/persona"
	"backchannel/orchestra/internal/sentiment"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultCooldown        = 2500 * time.Millisecond
	DefaultInterimMinChars = 25

	// NoCooldown disables the cooldown guard. A zero Cooldown selects the default.
	NoCooldown time.Duration = -1
)

// ExplicitCooldown maps a configured cooldown, where zero means "none", onto
// Config.Cooldown.
func ExplicitCooldown(d time.Duration) time.Duration {
	if d <= 0 {
		return NoCooldown
	}
	return d
}

// Layer tags a request as the persona's own voice or the crowd overlay.
const (
	LayerPrimary = "primary"
	LayerCrowd   = "crowd"
)

// Crowd overlay constants. Not persona-configurable.
var (
	CrowdPhrases = []string{"yeah!", "woo!", "nice!", "right on!"}
	CrowdProsody = persona.Prosody{Pitch: 5, Rate: 10}
)

// Fragment is one transcript update from the transcription provider.
type Fragment struct {
	Text              string
	IsFinal           bool
	ProviderSentiment *sentiment.Label
}

// Request is one utterance to synthesize.
type Request struct {
	Text    string          `json:"text"`
	VoiceID string          `json:"voice_id"`
	Prosody persona.Prosody `json:"prosody"`
	Layer   string          `json:"layer"`
}

// State is a copy of the engine's mutable fields.
type State struct {
	Mode        persona.Mode    `json:"mode"`
	Sentiment   sentiment.Label `json:"sentiment"`
	LastTrigger time.Time       `json:"last_trigger"`
}

// Config tunes the decision guards.
type Config struct {
	// Cooldown of zero selects DefaultCooldown; NoCooldown disables the guard.
	Cooldown        time.Duration
	InterimMinChars int
	DefaultMode     string
}

// Engine decides when and how to react to transcript fragments. One Engine
// belongs to one session; it is not safe for concurrent use.
type Engine struct {
	cfg        Config
	registry   *persona.Registry
	classifier *sentiment.Classifier
	now        func() time.Time
	rnd        *rand.Rand

	mode        persona.Mode
	sentiment   sentiment.Label
	lastTrigger time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRand replaces the phrase and crowd-voice random source.
func WithRand(r *rand.Rand) Option { return func(e *Engine) { e.rnd = r } }

// WithClassifier replaces the local sentiment classifier.
func WithClassifier(c *sentiment.Classifier) Option { return func(e *Engine) { e.classifier = c } }

// New returns an engine in cfg.DefaultMode (coach when unrecognized).
func New(cfg Config, registry *persona.Registry, opts ...Option) *Engine {
	switch {
	case cfg.Cooldown == 0:
		cfg.Cooldown = DefaultCooldown
	case cfg.Cooldown < 0:
		cfg.Cooldown = 0
	}
	if cfg.InterimMinChars <= 0 {
		cfg.InterimMinChars = DefaultInterimMinChars
	}
	mode, ok := persona.ParseMode(cfg.DefaultMode)
	if !ok {
		mode = persona.Coach
	}
	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		now:       time.Now,
		mode:      mode,
		sentiment: sentiment.Neutral,
	}
	for _, o := range opts {
		o(e)
	}
	if e.classifier == nil {
		e.classifier = sentiment.NewClassifier(nil)
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return e
}

// State returns the current mode, sentiment memory and last trigger time.
func (e *Engine) State() State {
	return State{Mode: e.mode, Sentiment: e.sentiment, LastTrigger: e.lastTrigger}
}

// Sentiment resolves the label for a fragment: the provider's when present,
// otherwise the local classifier's.
func (e *Engine) Sentiment(f Fragment) sentiment.Label {
	if f.ProviderSentiment != nil {
		if l, ok := sentiment.ParseLabel(string(*f.ProviderSentiment)); ok {
			return l
		}
	}
	return e.classifier.Classify(f.Text)
}

var switchCommands = []struct {
	phrase string
	mode   persona.Mode
}{
	{"switch to heckler", persona.Heckler},
	{"switch to coach", persona.Coach},
	{"switch to supportive", persona.Supportive},
}

// SwitchMode applies a spoken mode-switch command. ok reports whether text
// carried one; when it does the caller must not pass the fragment to Decide.
// The cooldown clock is not touched.
func (e *Engine) SwitchMode(text string) (persona.Mode, bool) {
	mode, ok := MatchSwitch(text)
	if !ok {
		return e.mode, false
	}
	e.SetMode(mode)
	metricModeSwitches.WithLabelValues(string(mode)).Inc()
	return mode, true
}

// MatchSwitch reports the mode a spoken switch command in text selects,
// without applying it.
func MatchSwitch(text string) (persona.Mode, bool) {
	lower := strings.ToLower(text)
	for _, c := range switchCommands {
		if strings.Contains(lower, c.phrase) {
			return c.mode, true
		}
	}
	return "", false
}

// SetMode sets the active persona. Unrecognized modes leave it unchanged.
func (e *Engine) SetMode(m persona.Mode) bool {
	if _, ok := persona.ParseMode(string(m)); !ok {
		return false
	}
	e.mode = m
	return true
}

// Decide returns the reactions for f, or nil. Guards run in order: cooldown,
// empty text, eligibility. Sentiment memory is updated for every fragment that
// clears the first two guards.
func (e *Engine) Decide(f Fragment) []Request {
	now := e.now()
	if now.Sub(e.lastTrigger) < e.cfg.Cooldown {
		metricDecisions.WithLabelValues("cooldown").Inc()
		return nil
	}

	text := strings.TrimSpace(f.Text)
	if text == "" {
		metricDecisions.WithLabelValues("empty").Inc()
		return nil
	}

	label := e.Sentiment(Fragment{Text: text, ProviderSentiment: f.ProviderSentiment})
	e.sentiment = label

	if !f.IsFinal && utf8.RuneCountInString(text) <= e.cfg.InterimMinChars {
		metricDecisions.WithLabelValues("ineligible").Inc()
		return nil
	}

	p := e.registry.Lookup(string(e.mode))
	reqs := make([]Request, 0, 2)
	reqs = append(reqs, Request{
		Text:    e.pick(p.Pool(label)),
		VoiceID: p.VoiceID,
		Prosody: p.Prosody,
		Layer:   LayerPrimary,
	})

	if label == sentiment.Positive && e.mode == persona.Coach {
		crowd := e.registry.CrowdVoices()
		reqs = append(reqs, Request{
			Text:    e.pick(CrowdPhrases),
			VoiceID: crowd[e.rnd.IntN(len(crowd))],
			Prosody: CrowdProsody,
			Layer:   LayerCrowd,
		})
	}

	if now.After(e.lastTrigger) {
		e.lastTrigger = now
	}
	metricDecisions.WithLabelValues("reacted").Inc()
	for _, r := range reqs {
		metricRequests.WithLabelValues(string(e.mode), r.Layer).Inc()
	}
	return reqs
}

func (e *Engine) pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[e.rnd.IntN(len(pool))]
}
