package sentiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFromPolarityBoundaries(t *testing.T) {
	cases := []struct {
		p    float64
		want Label
	}{
		{0.4, Neutral},
		{0.40001, Positive},
		{-0.3, Neutral},
		{-0.30001, Negative},
		{0, Neutral},
		{1, Positive},
		{-1, Negative},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FromPolarity(tc.p), "polarity %v", tc.p)
	}
}

func TestClassifyExactThresholdIsNeutral(t *testing.T) {
	c := NewClassifier(map[string]float64{"upbeat": 0.4, "downbeat": -0.3})
	assert.Equal(t, 0.4, c.Polarity("upbeat"))
	assert.Equal(t, Neutral, c.Classify("upbeat"))
	assert.Equal(t, -0.3, c.Polarity("downbeat"))
	assert.Equal(t, Neutral, c.Classify("downbeat"))
}

func TestClassifyDefaultLexicon(t *testing.T) {
	c := NewClassifier(nil)
	cases := []struct {
		text string
		want Label
	}{
		{"this project is absolutely amazing", Positive},
		{"That was a great demo", Positive},
		{"this is boring", Negative},
		{"honestly this has been a terrible week", Negative},
		{"it's not good", Negative},
		{"we shipped the release on tuesday", Neutral},
		{"", Neutral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.text), "text %q", tc.text)
	}
}

func TestNegationFlipsAndDampens(t *testing.T) {
	c := NewClassifier(nil)
	assert.InDelta(t, 0.7, c.Polarity("good"), 1e-9)
	assert.InDelta(t, -0.35, c.Polarity("not good"), 1e-9)
	assert.InDelta(t, -0.35, c.Polarity("isn't good"), 1e-9)
}

func TestPolarityStaysInRange(t *testing.T) {
	c := NewClassifier(nil)
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.StringMatching(`(very |extremely |not |so )*(awesome|terrible|good|bad|okay)( [a-z]{1,8}){0,6}`).Draw(rt, "text")
		p := c.Polarity(text)
		if p < -1 || p > 1 {
			rt.Fatalf("polarity %v out of range for %q", p, text)
		}
	})
}

func TestParseLabel(t *testing.T) {
	l, ok := ParseLabel(" Positive ")
	assert.True(t, ok)
	assert.Equal(t, Positive, l)

	_, ok = ParseLabel("mixed")
	assert.False(t, ok)
}
