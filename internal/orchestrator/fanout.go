package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backchannel/orchestra/internal/reaction"
)

// synthesizeAll runs one synthesis call per request concurrently and waits for
// all of them. results[i] belongs to reqs[i]; a failed call leaves nil.
func synthesizeAll(ctx context.Context, synth Synthesizer, reqs []reaction.Request, log *zap.Logger) [][]byte {
	start := time.Now()
	results := make([][]byte, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		g.Go(func() error {
			audio, err := synth.Synthesize(gctx, r.Text, r.VoiceID, r.Prosody)
			if err != nil {
				log.Warn("synthesis skipped", zap.String("layer", r.Layer), zap.String("voice_id", r.VoiceID), zap.Error(err))
				return nil
			}
			results[i] = audio
			return nil
		})
	}
	_ = g.Wait()
	metricFanoutMS.Observe(float64(time.Since(start).Milliseconds()))
	return results
}
