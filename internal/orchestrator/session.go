package orchestrator

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"backchannel/orchestra/internal/persona"
	"backchannel/orchestra/internal/reaction"
	"backchannel/orchestra/internal/sentiment"
	"backchannel/orchestra/internal/types"
)

// Outbound event types.
const (
	TypeTranscript = "transcript"
	TypeModeChange = "mode_change"
	TypeFeedback   = "feedback"
)

type TranscriptEvent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	IsFinal   bool            `json:"is_final"`
	Sentiment sentiment.Label `json:"sentiment"`
}

type ModeChangeEvent struct {
	Type string       `json:"type"`
	Mode persona.Mode `json:"mode"`
}

// FeedbackEvent describes the binary audio frame sent just before it.
type FeedbackEvent struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Layer string `json:"layer"`
}

// session is owned by the RunSession goroutine; nothing here is shared.
type session struct {
	id     string
	srv    *Server
	engine *reaction.Engine
	sink   Sink
	log    *zap.Logger

	fragments int
	reactions int
}

func (ss *session) handleFragment(ctx context.Context, f reaction.Fragment) {
	ss.fragments++
	metricFragments.WithLabelValues(strconv.FormatBool(f.IsFinal)).Inc()
	defer func() { ss.srv.publish(ss.id, ss.engine.State(), ss.fragments, ss.reactions) }()

	label := ss.engine.Sentiment(f)
	if ss.srv.cfg.DebugSentiment {
		ss.log.Debug("sentiment",
			zap.String("text", f.Text),
			zap.Float64("polarity", ss.srv.classifier.Polarity(f.Text)),
			zap.String("label", string(label)),
			zap.Bool("provider", f.ProviderSentiment != nil))
	}
	ss.srv.store.AppendEvent(ss.id, types.EventTranscript, map[string]any{"text": f.Text, "is_final": f.IsFinal, "sentiment": string(label)})
	if f.IsFinal || ss.srv.cfg.ForwardInterim {
		ev := TranscriptEvent{Type: TypeTranscript, Text: f.Text, IsFinal: f.IsFinal, Sentiment: label}
		if err := ss.sink.WriteJSON(ctx, ev); err != nil {
			ss.log.Debug("transcript write failed", zap.Error(err))
		}
	}

	// A command spoken across interims is applied once, on its final.
	if _, ok := reaction.MatchSwitch(f.Text); ok && !f.IsFinal {
		return
	}
	if mode, ok := ss.engine.SwitchMode(f.Text); ok {
		ss.log.Info("mode switched", zap.String("mode", string(mode)))
		ss.srv.store.AppendEvent(ss.id, types.EventModeChange, map[string]any{"mode": string(mode)})
		if err := ss.sink.WriteJSON(ctx, ModeChangeEvent{Type: TypeModeChange, Mode: mode}); err != nil {
			ss.log.Debug("mode_change write failed", zap.Error(err))
		}
		return
	}

	reqs := ss.engine.Decide(f)
	if len(reqs) == 0 {
		return
	}
	ss.log.Debug("reacting", zap.Int("requests", len(reqs)), zap.String("mode", string(ss.engine.State().Mode)))

	results := synthesizeAll(ctx, ss.srv.synth, reqs, ss.log)
	if ctx.Err() != nil {
		metricDropped.WithLabelValues("cancelled").Add(float64(len(reqs)))
		return
	}
	ss.forward(ctx, reqs, results)
}

// forward sends results in request order: audio frame, then its feedback.
func (ss *session) forward(ctx context.Context, reqs []reaction.Request, results [][]byte) {
	for i, r := range reqs {
		if len(results[i]) == 0 {
			metricDropped.WithLabelValues("synthesis").Inc()
			ss.srv.store.AppendEvent(ss.id, types.EventReactionFailed, map[string]any{"text": r.Text, "voice": r.VoiceID, "layer": r.Layer})
			continue
		}
		if err := ss.sink.WriteBinary(ctx, results[i]); err != nil {
			metricDropped.WithLabelValues("write").Add(float64(len(reqs) - i))
			ss.log.Debug("audio write failed", zap.Error(err))
			return
		}
		if err := ss.sink.WriteJSON(ctx, FeedbackEvent{Type: TypeFeedback, Text: r.Text, Voice: r.VoiceID, Layer: r.Layer}); err != nil {
			metricDropped.WithLabelValues("write").Add(float64(len(reqs) - i))
			ss.log.Debug("feedback write failed", zap.Error(err))
			return
		}
		ss.reactions++
		metricForwarded.WithLabelValues(r.Layer).Inc()
		ss.srv.store.AppendEvent(ss.id, types.EventReaction, map[string]any{"text": r.Text, "voice": r.VoiceID, "layer": r.Layer, "bytes": len(results[i])})
	}
}
