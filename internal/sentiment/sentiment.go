package sentiment

import (
	"strings"
	"unicode"
)

// Label is a coarse sentiment bucket for an utterance fragment.
type Label string

const (
	Positive Label = "positive"
	Negative Label = "negative"
	Neutral  Label = "neutral"
)

// Polarity cut-offs. Negativity is flagged earlier than positivity.
const (
	PositiveThreshold = 0.4
	NegativeThreshold = -0.3
)

// ParseLabel maps a provider string onto a Label. ok is false for anything
// outside the three known labels.
func ParseLabel(s string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return Positive, true
	case "negative":
		return Negative, true
	case "neutral":
		return Neutral, true
	default:
		return "", false
	}
}

// FromPolarity buckets a polarity score in [-1, 1].
func FromPolarity(p float64) Label {
	switch {
	case p > PositiveThreshold:
		return Positive
	case p < NegativeThreshold:
		return Negative
	default:
		return Neutral
	}
}

// Classifier scores text against a word lexicon. It holds no mutable state and
// is safe for concurrent use.
type Classifier struct {
	lexicon      map[string]float64
	intensifiers map[string]float64
	negations    map[string]struct{}
}

// NewClassifier builds a classifier over the given lexicon. A nil lexicon
// selects the built-in English lexicon.
func NewClassifier(lexicon map[string]float64) *Classifier {
	if lexicon == nil {
		lexicon = defaultLexicon
	}
	return &Classifier{
		lexicon:      lexicon,
		intensifiers: defaultIntensifiers,
		negations:    defaultNegations,
	}
}

// Classify returns the label for text.
func (c *Classifier) Classify(text string) Label {
	return FromPolarity(c.Polarity(text))
}

// Polarity averages the scores of every lexicon hit in text. Intensifiers
// scale the next hit; a negation flips it and halves its weight. Text with no
// hits scores 0.
func (c *Classifier) Polarity(text string) float64 {
	var (
		sum    float64
		hits   int
		mult   = 1.0
		negate bool
	)
	for _, w := range tokenize(text) {
		if _, ok := c.negations[w]; ok {
			negate = !negate
			continue
		}
		if m, ok := c.intensifiers[w]; ok {
			mult *= m
			continue
		}
		p, ok := c.lexicon[w]
		if !ok {
			continue
		}
		s := p * mult
		if negate {
			s *= -0.5
		}
		sum += s
		hits++
		mult = 1.0
		negate = false
	}
	if hits == 0 {
		return 0
	}
	return clamp(sum/float64(hits), -1, 1)
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	text = strings.ReplaceAll(text, "n't", " not")
	text = strings.ReplaceAll(text, "’", "'")
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\'' && r != '-'
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
