package stt

import (
	"encoding/json"
	"strings"

	"backchannel/orchestra/internal/sentiment"
)

// Event is one transcript update. Sentiment is set only when the provider
// returned a recognized label.
type Event struct {
	Type      string
	Text      string
	Sentiment *sentiment.Label
}

type frame struct {
	Type        string          `json:"type"`
	IsFinal     bool            `json:"is_final"`
	SpeechFinal bool            `json:"speech_final"`
	Channel     json.RawMessage `json:"channel"`
	Sentiments  *sentimentBlock `json:"sentiments"`
	Description string          `json:"description"`
	Message     string          `json:"message"`
	Err         string          `json:"error"`
}

type sentimentBlock struct {
	Segments []struct {
		Sentiment string `json:"sentiment"`
	} `json:"segments"`
	Average struct {
		Sentiment string `json:"sentiment"`
	} `json:"average"`
}

type channel struct {
	Alternatives []struct {
		Transcript string `json:"transcript"`
		Sentiment  string `json:"sentiment"`
	} `json:"alternatives"`
}

// parser turns provider frames into events. It remembers the latest interim
// text so an UtteranceEnd without a preceding final still yields one.
type parser struct {
	pending string
}

func (p *parser) parse(data []byte) ([]Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	switch {
	case strings.EqualFold(f.Type, "Error") || f.Err != "":
		msg := firstNonEmpty(f.Err, f.Description, f.Message, "provider_error")
		return []Event{{Type: EventError, Text: msg}}, nil
	case strings.EqualFold(f.Type, "Metadata"):
		return []Event{{Type: EventMeta}}, nil
	case strings.EqualFold(f.Type, "SpeechStarted"):
		metricUtteranceEvents.WithLabelValues("speech_started").Inc()
		return nil, nil
	case strings.EqualFold(f.Type, "UtteranceEnd"):
		metricUtteranceEvents.WithLabelValues("utterance_end").Inc()
		text := p.pending
		p.pending = ""
		if text == "" {
			return nil, nil
		}
		metricFinalEmitted.WithLabelValues("interim_fallback").Inc()
		return []Event{{Type: EventFinal, Text: text}}, nil
	case strings.EqualFold(f.Type, "Results") || len(f.Channel) > 0:
		return p.results(f), nil
	}
	return nil, nil
}

func (p *parser) results(f frame) []Event {
	var ch channel
	if err := json.Unmarshal(f.Channel, &ch); err != nil || len(ch.Alternatives) == 0 {
		return nil
	}
	alt := ch.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	final := f.IsFinal || f.SpeechFinal
	if text == "" {
		if final {
			metricEmptyFinalSkipped.Inc()
		}
		return nil
	}
	ev := Event{Type: EventInterim, Text: text, Sentiment: providerSentiment(alt.Sentiment, f.Sentiments)}
	if final {
		ev.Type = EventFinal
		p.pending = ""
		metricFinalEmitted.WithLabelValues("provider").Inc()
	} else {
		p.pending = text
	}
	return []Event{ev}
}

// providerSentiment reads the label leniently; unknown values are dropped.
func providerSentiment(alt string, block *sentimentBlock) *sentiment.Label {
	candidates := []string{alt}
	if block != nil {
		for _, s := range block.Segments {
			candidates = append(candidates, s.Sentiment)
		}
		candidates = append(candidates, block.Average.Sentiment)
	}
	for _, c := range candidates {
		if l, ok := sentiment.ParseLabel(c); ok {
			return &l
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
