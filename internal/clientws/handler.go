package clientws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	ws "nhooyr.io/websocket"

	"backchannel/orchestra/internal/auth"
	"backchannel/orchestra/internal/orchestrator"
)

// SessionEvent is the first frame a client receives.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type Config struct {
	AllowedOrigins []string
	ConnectRPS     float64
	ConnectBurst   int
	TokenSecret    string
	TokenSkewSecs  int
	// AudioBuffer is the number of inbound chunks queued per session.
	AudioBuffer  int
	WriteTimeout time.Duration
}

type Server struct {
	cfg     Config
	orch    *orchestrator.Server
	reg     *Registry
	limiter *admission
	origins []string
	log     *zap.Logger
	now     func() time.Time
}

func NewServer(cfg Config, orch *orchestrator.Server, reg *Registry, log *zap.Logger) *Server {
	if cfg.AudioBuffer <= 0 {
		cfg.AudioBuffer = 64
	}
	if reg == nil {
		reg = NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		orch:    orch,
		reg:     reg,
		limiter: newAdmission(cfg.ConnectRPS, cfg.ConnectBurst),
		origins: originPatterns(cfg.AllowedOrigins),
		log:     log.Named("clientws"),
		now:     time.Now,
	}
}

func (s *Server) Registry() *Registry { return s.reg }

// HandleSession upgrades a client connection and runs one session on it.
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if !s.limiter.Allow(host) {
		metricConnections.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many connection attempts")
		return
	}
	if s.cfg.TokenSecret != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = auth.BearerToken(r.Header.Get("Authorization"))
		}
		if token == "" {
			metricConnections.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		if _, _, err := auth.ValidateClientToken(s.cfg.TokenSecret, token, s.now(), s.cfg.TokenSkewSecs); err != nil {
			metricConnections.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
	}

	c, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		metricConnections.WithLabelValues("rejected").Inc()
		s.log.Info("accept failed", zap.String("remote", host), zap.Error(err))
		return
	}
	metricConnections.WithLabelValues("accepted").Inc()
	c.SetReadLimit(1 << 20)

	id := uuid.NewString()
	log := s.log.With(zap.String("session_id", id))
	conn := newConn(c, s.cfg.WriteTimeout, host)
	if s.reg.Replace(id, conn) {
		log.Warn("replaced existing connection")
	}
	defer s.reg.Remove(id, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	audio := make(chan []byte, s.cfg.AudioBuffer)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, c, audio, cancel, log)
	}()

	if err := conn.WriteJSON(ctx, SessionEvent{Type: "session", SessionID: id, Mode: string(s.orch.DefaultMode())}); err != nil {
		log.Debug("session write failed", zap.Error(err))
	}
	if err := s.orch.RunSession(ctx, id, conn, audio, orchestrator.WithRemoteAddr(host)); err != nil {
		log.Warn("session rejected", zap.Error(err))
		_ = conn.Close(ws.StatusInternalError, "session unavailable")
	} else {
		_ = conn.Close(ws.StatusNormalClosure, "session ended")
	}
	cancel()
	<-readDone
}

// End closes the client socket for a session, or cancels the coordinator
// session when no socket is registered.
func (s *Server) End(sessionID string) bool {
	if c := s.reg.Get(sessionID); c != nil {
		s.log.Info("closing session", zap.String("session_id", sessionID), zap.String("remote", c.RemoteAddr()))
		_ = c.Close(ws.StatusNormalClosure, "ended by operator")
		return true
	}
	return s.orch.EndSession(sessionID)
}

// readLoop owns the audio channel. A stop message closes it; a read error
// closes it and cancels the session.
func (s *Server) readLoop(ctx context.Context, c *ws.Conn, audio chan<- []byte, cancel context.CancelFunc, log *zap.Logger) {
	defer cancel()
	open := true
	defer func() {
		if open {
			close(audio)
		}
	}()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			log.Debug("read ended", zap.Error(err))
			return
		}
		switch typ {
		case ws.MessageBinary:
			if !open || len(data) == 0 {
				continue
			}
			select {
			case audio <- data:
			default:
				metricAudioDropped.Inc()
			}
		case ws.MessageText:
			var m controlMessage
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			if m.Type == "stop" && open {
				log.Info("client stopped audio")
				close(audio)
				open = false
			}
		}
	}
}

// originPatterns turns configured origins into host patterns for Accept.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
