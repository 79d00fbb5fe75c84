package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"backchannel/orchestra/internal/api"
	"backchannel/orchestra/internal/clientws"
	"backchannel/orchestra/internal/config"
	"backchannel/orchestra/internal/health"
	"backchannel/orchestra/internal/journal"
	"backchannel/orchestra/internal/logging"
	"backchannel/orchestra/internal/orchestrator"
	"backchannel/orchestra/internal/persona"
	"backchannel/orchestra/internal/reaction"
	"backchannel/orchestra/internal/store"
	"backchannel/orchestra/internal/stt"
	"backchannel/orchestra/internal/tts"
)

var checkOnly = flag.Bool("check", false, "check provider credentials and exit")

func main() {
	flag.Parse()
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *checkOnly {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		st := health.CheckAll(ctx, cfg)
		cancel()
		fmt.Print(st.String())
		if !st.OK {
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	voices := persona.Voices{
		PrimaryCoach: cfg.Voices.PrimaryCoach,
		ToughHeckler: cfg.Voices.ToughHeckler,
		Crowd1:       cfg.Voices.Crowd1,
		Crowd2:       cfg.Voices.Crowd2,
	}
	registry, err := persona.LoadFile(cfg.Reaction.PersonasFile, voices)
	if err != nil {
		return err
	}

	jr, err := journal.Open(context.Background(), cfg.Journal.Retention, cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jr.Close()
	st := store.New(store.WithJournal(jr), store.WithLogger(log))

	synth := tts.NewMurfClient(tts.MurfConfig{
		APIKey:  cfg.Murf.APIKey,
		BaseURL: cfg.Murf.APIURL,
		Format:  cfg.Murf.Format,
		Timeout: time.Duration(cfg.Murf.TimeoutMs) * time.Millisecond,
	}, log)

	dialer := stt.NewDialer(stt.DGConfig{
		Model:         cfg.Deepgram.Model,
		Language:      cfg.Deepgram.Language,
		EndpointingMs: cfg.Deepgram.EndpointingMs,
		Sentiment:     cfg.Deepgram.Sentiment,
		BaseURL:       cfg.Deepgram.WSURL,
		KeepAlive:     time.Duration(cfg.Deepgram.KeepAliveSeconds) * time.Second,
	}, cfg.Deepgram.APIKey, log)

	orch := orchestrator.NewServer(orchestrator.Config{
		Engine: reaction.Config{
			Cooldown:        reaction.ExplicitCooldown(cfg.Reaction.Cooldown),
			InterimMinChars: cfg.Reaction.InterimMinChars,
			DefaultMode:     cfg.Reaction.DefaultMode,
		},
		ForwardInterim: cfg.Reaction.ForwardInterim,
		DebugSentiment: cfg.Reaction.DebugSentiment,
		CaptureDir:     cfg.Capture.Dir,
	}, registry, synth, func(ctx context.Context, sessionID string) orchestrator.Transcriber {
		return dialer.Open(ctx, sessionID)
	}, st, orchestrator.WithLogger(log))

	wss := clientws.NewServer(clientws.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ConnectRPS:     cfg.Server.WSConnectRPS,
		ConnectBurst:   cfg.Server.WSConnectBurst,
		TokenSecret:    cfg.Auth.ClientSecret,
		TokenSkewSecs:  cfg.Auth.TokenSkewSecs,
	}, orch, clientws.NewRegistry(), log)

	opts := []api.Option{
		api.WithLogger(log),
		api.WithSessionSocket(http.HandlerFunc(wss.HandleSession)),
	}
	if jr.Enabled() {
		opts = append(opts, api.WithHistory(jr))
	}
	h := api.NewHandlers(cfg, st, orch, wss, health.NewChecker(cfg, nil), opts...)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	errc := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", addr),
			zap.String("default_mode", string(orch.DefaultMode())),
			zap.String("journal", cfg.Journal.Retention))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-sigc:
	}
	log.Info("shutdown signal received; stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// hijacked websockets are not tracked by http.Server.Shutdown
	if err := orch.Shutdown(ctx); err != nil {
		log.Warn("sessions did not drain", zap.Error(err))
	}
	return srv.Shutdown(ctx)
}
