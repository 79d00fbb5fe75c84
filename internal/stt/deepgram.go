package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Event types emitted on the events channel.
const (
	EventInterim = "interim"
	EventFinal   = "final"
	EventError   = "error"
	EventMeta    = "meta"
)

var (
	errCircuitOpen = errors.New("circuit open")
	// errRotate ends a healthy socket that reached its maximum age.
	errRotate = errors.New("rotate")
)

// DeepgramConn maintains a live websocket connection to Deepgram for one
// session, sending PCM16@16k audio and receiving transcript events.
type DeepgramConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	apiKey    string
	url       string
	keepAlive time.Duration
	maxAge    time.Duration

	// Outbound audio queue; Send drops when full
	sendQ  chan []byte
	events chan Event

	finishOnce sync.Once
	finishing  chan struct{}
	done       chan struct{}

	// Backoff/circuit, owned by the run goroutine
	fails   []time.Time
	circuit time.Time
}

type DGConfig struct {
	Model         string
	Language      string
	EndpointingMs int
	UtterEndMs    int
	Sentiment     bool
	BaseURL       string
	KeepAlive     time.Duration
	SocketMaxAgeS int
}

// ListenURL builds the streaming endpoint with the session's query options.
func (c DGConfig) ListenURL() string {
	q := url.Values{}
	q.Set("model", orDefault(c.Model, "nova-2"))
	q.Set("language", orDefault(c.Language, "en-US"))
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")
	q.Set("endpointing", strconv.Itoa(nzd(c.EndpointingMs, 300)))
	if c.UtterEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(c.UtterEndMs))
	}
	if c.Sentiment {
		q.Set("sentiment", "true")
	}
	base := c.BaseURL
	if base == "" {
		base = "wss://api.deepgram.com/v1/listen"
	}
	return base + "?" + q.Encode()
}

func NewDeepgramConn(parent context.Context, cfg DGConfig, apiKey string, log *zap.Logger) *DeepgramConn {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 5 * time.Second
	}
	return &DeepgramConn{
		ctx:       ctx,
		cancel:    cancel,
		log:       log.Named("deepgram"),
		apiKey:    apiKey,
		url:       cfg.ListenURL(),
		keepAlive: keepAlive,
		maxAge:    time.Duration(nzd(cfg.SocketMaxAgeS, 900)) * time.Second,
		sendQ:     make(chan []byte, 32),
		events:    make(chan Event, 64),
		finishing: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (d *DeepgramConn) Start() {
	gaugeSessions.Inc()
	go d.run()
}

// Events is closed once the connection is released.
func (d *DeepgramConn) Events() <-chan Event { return d.events }

// Close releases the connection without waiting for pending results.
func (d *DeepgramConn) Close() { d.cancel() }

// Send enqueues one audio chunk. It never blocks; false means dropped.
func (d *DeepgramConn) Send(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	select {
	case <-d.finishing:
		return false
	default:
	}
	select {
	case d.sendQ <- pcm:
		metricFrames.Inc()
		metricAudioBytes.Add(float64(len(pcm)))
		gaugeQueueDepth.Set(float64(len(d.sendQ)))
		return true
	default:
		metricDrops.Inc()
		return false
	}
}

// Finish asks the provider to flush in-flight recognition, waits until it
// closes the stream or ctx expires, then releases the connection.
func (d *DeepgramConn) Finish(ctx context.Context) error {
	d.finishOnce.Do(func() { close(d.finishing) })
	defer d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deepgram finish: %w", ctx.Err())
	}
}

func (d *DeepgramConn) run() {
	defer gaugeSessions.Dec()
	defer close(d.done)
	defer close(d.events)
	for {
		err := d.connectAndPump()
		if d.ctx.Err() != nil || d.isFinishing() {
			return
		}
		if errors.Is(err, errRotate) {
			metricRotations.Inc()
			d.log.Debug("rotating stream")
			continue
		}
		if err != nil {
			d.addFailure()
			d.log.Warn("stream ended", zap.Error(err), zap.Int("recent_failures", len(d.fails)))
			d.emit(Event{Type: EventError, Text: err.Error()})
		} else {
			d.resetFailures()
		}
		select {
		case <-d.ctx.Done():
			return
		case <-d.finishing:
			return
		case <-time.After(d.nextBackoff()):
		}
	}
}

func (d *DeepgramConn) isFinishing() bool {
	select {
	case <-d.finishing:
		return true
	default:
		return false
	}
}

func (d *DeepgramConn) connectAndPump() error {
	if time.Now().Before(d.circuit) {
		return errCircuitOpen
	}

	hdr := make(http.Header)
	if d.apiKey != "" {
		hdr.Set("Authorization", "Token "+d.apiKey)
	}
	dctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	ws, _, err := websocket.Dial(dctx, d.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ws.SetReadLimit(1 << 20)
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))
	metricReconnects.Inc()
	d.log.Info("connected", zap.Int64("connect_ms", time.Since(start).Milliseconds()))

	cctx, ccancel := context.WithCancel(d.ctx)
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		d.pumpAudio(cctx, ws)
	}()
	defer func() {
		ccancel()
		<-sendDone
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	var rotate <-chan time.Time
	if d.maxAge > 0 {
		t := time.NewTimer(d.maxAge)
		defer t.Stop()
		rotate = t.C
	}

	p := &parser{}
	for {
		select {
		case <-rotate:
			if !d.isFinishing() {
				return errRotate
			}
		default:
		}
		_, data, err := ws.Read(d.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || d.isFinishing() {
				return nil
			}
			return err
		}
		evs, err := p.parse(data)
		if err != nil {
			d.log.Debug("unparseable frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		for _, ev := range evs {
			d.emit(ev)
		}
	}
}

// pumpAudio forwards queued audio, sends KeepAlive during silence and
// CloseStream once Finish is called.
func (d *DeepgramConn) pumpAudio(ctx context.Context, ws *websocket.Conn) {
	tick := time.NewTicker(d.keepAlive / 2)
	defer tick.Stop()
	lastSend := time.Now()
	write := func(typ websocket.MessageType, b []byte) bool {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := ws.Write(wctx, typ, b); err != nil {
			d.log.Debug("write failed", zap.Error(err))
			return false
		}
		lastSend = time.Now()
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.finishing:
			// drain what the session already queued before closing the stream
			for len(d.sendQ) > 0 {
				if !write(websocket.MessageBinary, <-d.sendQ) {
					return
				}
			}
			write(websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			return
		case b := <-d.sendQ:
			gaugeQueueDepth.Set(float64(len(d.sendQ)))
			if !write(websocket.MessageBinary, b) {
				return
			}
		case <-tick.C:
			if time.Since(lastSend) >= d.keepAlive {
				if !write(websocket.MessageText, []byte(`{"type":"KeepAlive"}`)) {
					return
				}
				metricKeepAlives.Inc()
			}
		}
	}
}

// emit blocks until the session consumes e; fragments are never dropped.
func (d *DeepgramConn) emit(e Event) {
	select {
	case d.events <- e:
	case <-d.ctx.Done():
		metricEventDrops.Inc()
	}
}

func (d *DeepgramConn) addFailure() {
	d.fails = append(d.fails, time.Now())
	cutoff := time.Now().Add(-60 * time.Second)
	j := 0
	for _, t := range d.fails {
		if t.After(cutoff) {
			d.fails[j] = t
			j++
		}
	}
	d.fails = d.fails[:j]
	if len(d.fails) >= 3 {
		d.circuit = time.Now().Add(30 * time.Second)
		metricCircuitOpens.Inc()
	}
}

func (d *DeepgramConn) resetFailures() { d.fails = nil }

func (d *DeepgramConn) nextBackoff() time.Duration {
	return backoff(len(d.fails))
}

func backoff(n int) time.Duration {
	if n <= 0 {
		return time.Second
	}
	if n > 5 {
		n = 5
	}
	return time.Duration(1<<uint(n-1)) * time.Second
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nzd(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Dialer opens per-session Deepgram connections with shared settings.
type Dialer struct {
	cfg    DGConfig
	apiKey string
	log    *zap.Logger
}

func NewDialer(cfg DGConfig, apiKey string, log *zap.Logger) *Dialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dialer{cfg: cfg, apiKey: apiKey, log: log}
}

// Open starts a connection bound to ctx.
func (d *Dialer) Open(ctx context.Context, sessionID string) *DeepgramConn {
	c := NewDeepgramConn(ctx, d.cfg, d.apiKey, d.log.With(zap.String("session_id", sessionID)))
	c.Start()
	return c
}
