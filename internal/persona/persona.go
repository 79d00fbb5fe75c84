package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"backchannel/orchestra/internal/sentiment"
)

//go:embed personas.yaml
var defaultPersonas []byte

// ErrInvalidRegistry is returned when persona data is incomplete.
var ErrInvalidRegistry = errors.New("invalid persona registry")

// Mode names a persona.
type Mode string

const (
	Coach      Mode = "coach"
	Heckler    Mode = "heckler"
	Supportive Mode = "supportive"
)

// Modes lists every defined persona in a stable order.
var Modes = []Mode{Coach, Heckler, Supportive}

// ParseMode reports whether s names a defined persona. Matching is exact.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case Coach, Heckler, Supportive:
		return Mode(s), true
	default:
		return "", false
	}
}

// Voice roles resolved to provider voice identifiers through Voices.
const (
	RolePrimaryCoach = "primary_coach"
	RoleToughHeckler = "tough_heckler"
	RoleCrowd1       = "crowd_member_1"
	RoleCrowd2       = "crowd_member_2"
)

// Voices maps voice roles to synthetic-voice identifiers.
type Voices struct {
	PrimaryCoach string
	ToughHeckler string
	Crowd1       string
	Crowd2       string
}

// DefaultVoices are used for any role left empty.
var DefaultVoices = Voices{
	PrimaryCoach: "en-US-ken",
	ToughHeckler: "en-US-terrell",
	Crowd1:       "en-US-alicia",
	Crowd2:       "en-US-miles",
}

func (v Voices) withDefaults() Voices {
	if v.PrimaryCoach == "" {
		v.PrimaryCoach = DefaultVoices.PrimaryCoach
	}
	if v.ToughHeckler == "" {
		v.ToughHeckler = DefaultVoices.ToughHeckler
	}
	if v.Crowd1 == "" {
		v.Crowd1 = DefaultVoices.Crowd1
	}
	if v.Crowd2 == "" {
		v.Crowd2 = DefaultVoices.Crowd2
	}
	return v
}

func (v Voices) role(name string) (string, bool) {
	switch name {
	case RolePrimaryCoach:
		return v.PrimaryCoach, true
	case RoleToughHeckler:
		return v.ToughHeckler, true
	case RoleCrowd1:
		return v.Crowd1, true
	case RoleCrowd2:
		return v.Crowd2, true
	default:
		return "", false
	}
}

// Prosody is the speaking style handed to the synthesis provider.
type Prosody struct {
	Style string `yaml:"style" json:"style,omitempty"`
	Pitch int    `yaml:"pitch" json:"pitch"`
	Rate  int    `yaml:"rate" json:"rate"`
}

// Persona is the resolved configuration for one mode.
type Persona struct {
	Mode    Mode
	VoiceID string
	Prosody Prosody
	Phrases map[sentiment.Label][]string
}

// Pool returns the phrase pool for label, or the neutral pool when the persona
// has none for it.
func (p Persona) Pool(label sentiment.Label) []string {
	if pool := p.Phrases[label]; len(pool) > 0 {
		return pool
	}
	return p.Phrases[sentiment.Neutral]
}

// Registry is immutable after construction and safe for concurrent reads.
type Registry struct {
	personas map[Mode]Persona
	voices   Voices
}

type fileFormat struct {
	Personas map[string]struct {
		VoiceRole string              `yaml:"voice_role"`
		Prosody   Prosody             `yaml:"prosody"`
		Phrases   map[string][]string `yaml:"phrases"`
	} `yaml:"personas"`
}

// Default returns the registry built from the embedded persona data.
func Default(voices Voices) *Registry {
	r, err := Parse(defaultPersonas, voices)
	if err != nil {
		panic(fmt.Sprintf("persona: embedded registry: %v", err))
	}
	return r
}

// LoadFile reads persona data from path. An empty path selects the embedded
// defaults.
func LoadFile(path string, voices Voices) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultPersonas, voices)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas file %q: %w", path, err)
	}
	return Parse(b, voices)
}

// Parse builds a registry from YAML. Every mode must be present with a
// resolvable voice role and a non-empty neutral pool.
func Parse(data []byte, voices Voices) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	voices = voices.withDefaults()
	r := &Registry{personas: make(map[Mode]Persona, len(Modes)), voices: voices}
	for name, raw := range f.Personas {
		mode, ok := ParseMode(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRegistry, name)
		}
		voiceID, ok := voices.role(raw.VoiceRole)
		if !ok {
			return nil, fmt.Errorf("%w: mode %q: unknown voice role %q", ErrInvalidRegistry, name, raw.VoiceRole)
		}
		phrases := make(map[sentiment.Label][]string, len(raw.Phrases))
		for key, pool := range raw.Phrases {
			label, ok := sentiment.ParseLabel(key)
			if !ok {
				return nil, fmt.Errorf("%w: mode %q: unknown sentiment %q", ErrInvalidRegistry, name, key)
			}
			phrases[label] = pool
		}
		if len(phrases[sentiment.Neutral]) == 0 {
			return nil, fmt.Errorf("%w: mode %q has no neutral phrases", ErrInvalidRegistry, name)
		}
		r.personas[mode] = Persona{Mode: mode, VoiceID: voiceID, Prosody: raw.Prosody, Phrases: phrases}
	}
	for _, m := range Modes {
		if _, ok := r.personas[m]; !ok {
			return nil, fmt.Errorf("%w: missing mode %q", ErrInvalidRegistry, m)
		}
	}
	return r, nil
}

// Lookup returns the persona for mode. Any name outside the defined modes
// resolves to the coach persona.
func (r *Registry) Lookup(mode string) Persona {
	m, ok := ParseMode(mode)
	if !ok {
		m = Coach
	}
	return r.personas[m]
}

// CrowdVoices returns the fixed pair of crowd voice identifiers.
func (r *Registry) CrowdVoices() [2]string {
	return [2]string{r.voices.Crowd1, r.voices.Crowd2}
}

// Voices returns the resolved voice table.
func (r *Registry) Voices() Voices { return r.voices }
