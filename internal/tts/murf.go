package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"backchannel/orchestra/internal/persona"
)

// ErrNoAudio marks a synthesis call that produced nothing to play.
var ErrNoAudio = errors.New("no audio")

const defaultStyle = "Conversational"

type MurfConfig struct {
	APIKey  string
	BaseURL string
	Format  string
	Timeout time.Duration
}

// MurfClient calls Murf's speech generation API. Calls share only the
// underlying http.Client and are safe to run concurrently.
type MurfClient struct {
	cfg  MurfConfig
	http *http.Client
	log  *zap.Logger
}

func NewMurfClient(cfg MurfConfig, log *zap.Logger) *MurfClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.murf.ai/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Format == "" {
		cfg.Format = "MP3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MurfClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log.Named("murf")}
}

type generateRequest struct {
	VoiceID         string `json:"voiceId"`
	Text            string `json:"text"`
	Style           string `json:"style"`
	Rate            int    `json:"rate"`
	Pitch           int    `json:"pitch"`
	Format          string `json:"format"`
	EncodedAsBase64 bool   `json:"encodedAsBase64"`
}

type generateResponse struct {
	EncodedAudio string `json:"encodedAudio"`
	AudioContent string `json:"audioContent"`
	Data         string `json:"data"`
	AudioFile    string `json:"audioFile"`
}

// Synthesize renders text in the given voice. Every failure wraps ErrNoAudio.
func (c *MurfClient) Synthesize(ctx context.Context, text, voiceID string, prosody persona.Prosody) ([]byte, error) {
	start := time.Now()
	audio, err := c.generate(ctx, text, voiceID, prosody)
	ttsLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		ttsSynthesisTotal.WithLabelValues("error").Inc()
		c.log.Warn("synthesis failed", zap.String("voice_id", voiceID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNoAudio, err)
	}
	ttsSynthesisTotal.WithLabelValues("ok").Inc()
	ttsAudioBytes.Observe(float64(len(audio)))
	return audio, nil
}

func (c *MurfClient) generate(ctx context.Context, text, voiceID string, prosody persona.Prosody) ([]byte, error) {
	style := prosody.Style
	if style == "" {
		style = defaultStyle
	}
	body, err := json.Marshal(generateRequest{
		VoiceID:         voiceID,
		Text:            text,
		Style:           style,
		Rate:            prosody.Rate,
		Pitch:           prosody.Pitch,
		Format:          c.cfg.Format,
		EncodedAsBase64: true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/speech/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for _, enc := range []string{out.EncodedAudio, out.AudioContent, out.Data} {
		if enc == "" {
			continue
		}
		audio, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		if len(audio) == 0 {
			break
		}
		return audio, nil
	}
	if out.AudioFile != "" {
		return c.download(ctx, out.AudioFile)
	}
	return nil, errors.New("response carried no audio")
}

func (c *MurfClient) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("audio download status=%d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("empty audio download")
	}
	return audio, nil
}
