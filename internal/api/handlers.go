package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"backchannel/orchestra/internal/auth"
	"backchannel/orchestra/internal/config"
	"backchannel/orchestra/internal/health"
	"backchannel/orchestra/internal/orchestrator"
	"backchannel/orchestra/internal/persona"
	"backchannel/orchestra/internal/store"
	"backchannel/orchestra/internal/types"
)

const Version = "1.0.0"

// LiveSessions is the coordinator's view of running sessions.
type LiveSessions interface {
	DefaultMode() persona.Mode
	ActiveSessions() int
	Snapshot(id string) (orchestrator.Snapshot, bool)
}

// SessionEnder stops a running session.
type SessionEnder interface {
	End(id string) bool
}

type ProviderChecker interface {
	CheckAll(ctx context.Context) health.HealthStatus
}

// History serves sessions that are no longer held in memory.
type History interface {
	GetSession(ctx context.Context, id string) (types.Session, bool, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]types.Event, error)
}

type Handlers struct {
	cfg     config.Config
	store   *store.Store
	live    LiveSessions
	ender   SessionEnder
	checker ProviderChecker
	history History
	ws      http.Handler
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Handlers)

func WithHistory(hist History) Option { return func(h *Handlers) { h.history = hist } }

func WithLogger(log *zap.Logger) Option { return func(h *Handlers) { h.log = log } }

// WithSessionSocket mounts the client websocket handler at /ws/session.
func WithSessionSocket(ws http.Handler) Option { return func(h *Handlers) { h.ws = ws } }

func NewHandlers(cfg config.Config, st *store.Store, live LiveSessions, ender SessionEnder, checker ProviderChecker, opts ...Option) *Handlers {
	h := &Handlers{cfg: cfg, store: st, live: live, ender: ender, checker: checker, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.Named("api")
	return h
}

func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "Backchannel Orchestra API is running",
		"version": Version,
	})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"default_mode":    h.live.DefaultMode(),
		"active_sessions": h.live.ActiveSessions(),
	})
}

func (h *Handlers) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	st := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":        h.store.ListSessions(),
		"active_sessions": h.live.ActiveSessions(),
	})
}

// lookup finds a session in memory, then in the journal.
func (h *Handlers) lookup(ctx context.Context, id string) (types.Session, bool, bool) {
	if sess, ok := h.store.GetSession(id); ok {
		return sess, true, true
	}
	if h.history == nil {
		return types.Session{}, false, false
	}
	sess, ok, err := h.history.GetSession(ctx, id)
	if err != nil {
		h.log.Warn("journal lookup failed", zap.String("session_id", id), zap.Error(err))
		return types.Session{}, false, false
	}
	return sess, false, ok
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, _, ok := h.lookup(r.Context(), id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := map[string]any{"session": sess}
	if snap, live := h.live.Snapshot(id); live {
		resp["live"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
	_, inMemory, ok := h.lookup(r.Context(), id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var events []types.Event
	if inMemory {
		events = h.store.ListEvents(id)
	} else {
		var err error
		events, err = h.history.ListEvents(r.Context(), id, 200)
		if err != nil {
			http.Error(w, "journal unavailable", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
	})
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request, id string) {
	st, ok := h.store.Stats(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"stats":      st,
	})
}

func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := h.store.GetSession(id); !ok {
		http.NotFound(w, r)
		return
	}
	running := h.ender.End(id)
	if !running {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": false, "noop": true})
		return
	}
	h.log.Info("session end requested", zap.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": false})
}

type mintRequest struct {
	Subject    string `json:"subject"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// HandleMintToken issues a client token. It requires the admin key.
func (h *Handlers) HandleMintToken(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Auth.AdminKey == "" || h.cfg.Auth.ClientSecret == "" {
		http.Error(w, "token minting not configured", http.StatusNotFound)
		return
	}
	key := r.Header.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.Auth.AdminKey)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req mintRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	if req.Subject == "" {
		req.Subject = "client"
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	exp := auth.Expiry(h.now(), ttl)
	token, err := auth.GenerateClientToken(h.cfg.Auth.ClientSecret, req.Subject, exp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"subject":    req.Subject,
		"expires_at": exp,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
