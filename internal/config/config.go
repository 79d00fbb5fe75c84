package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port           string
		LogLevel       string
		AllowedOrigins []string
		WSConnectRPS   float64
		WSConnectBurst int
	}
	Deepgram struct {
		APIKey           string
		Model            string
		Language         string
		EndpointingMs    int
		WSURL            string
		APIURL           string
		Sentiment        bool
		KeepAliveSeconds int
	}
	Murf struct {
		APIKey    string
		APIURL    string
		Format    string
		TimeoutMs int
	}
	Voices struct {
		PrimaryCoach string
		ToughHeckler string
		Crowd1       string
		Crowd2       string
	}
	Reaction struct {
		Cooldown        time.Duration
		InterimMinChars int
		DefaultMode     string
		PersonasFile    string
		ForwardInterim  bool
		DebugSentiment  bool
	}
	Auth struct {
		ClientSecret  string
		TokenSkewSecs int
		AdminKey      string
	}
	Journal struct {
		Retention string
		Path      string
	}
	Capture struct {
		Dir string
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.allowed_origins", "http://localhost:3000,http://127.0.0.1:3000")
	v.SetDefault("server.ws_connect_rps", 2)
	v.SetDefault("server.ws_connect_burst", 5)

	v.SetDefault("deepgram.model", "nova-2")
	v.SetDefault("deepgram.language", "en-US")
	v.SetDefault("deepgram.endpointing_ms", 300)
	v.SetDefault("deepgram.ws_url", "wss://api.deepgram.com/v1/listen")
	v.SetDefault("deepgram.api_url", "https://api.deepgram.com/v1")
	v.SetDefault("deepgram.sentiment", false)
	v.SetDefault("deepgram.keepalive_seconds", 5)

	v.SetDefault("murf.api_url", "https://api.murf.ai/v1")
	v.SetDefault("murf.format", "MP3")
	v.SetDefault("murf.timeout_ms", 8000)

	v.SetDefault("voices.primary_coach", "en-US-ken")
	v.SetDefault("voices.tough_heckler", "en-US-terrell")
	v.SetDefault("voices.crowd_member_1", "en-US-alicia")
	v.SetDefault("voices.crowd_member_2", "en-US-miles")

	v.SetDefault("reaction.cooldown", 2.5)
	v.SetDefault("reaction.interim_min_chars", 25)
	v.SetDefault("reaction.default_mode", "coach")
	v.SetDefault("reaction.forward_interim", true)
	v.SetDefault("reaction.debug_sentiment", false)

	v.SetDefault("auth.token_skew_secs", 30)

	v.SetDefault("journal.retention", "ephemeral")
	v.SetDefault("journal.path", "data/journal.db")

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.allowed_origins", "CORS_ALLOWED_ORIGINS")
	v.BindEnv("server.ws_connect_rps", "WS_CONNECT_RPS")
	v.BindEnv("server.ws_connect_burst", "WS_CONNECT_BURST")

	v.BindEnv("deepgram.api_key", "DEEPGRAM_API_KEY")
	v.BindEnv("deepgram.model", "DEEPGRAM_MODEL")
	v.BindEnv("deepgram.language", "DEEPGRAM_LANGUAGE")
	v.BindEnv("deepgram.endpointing_ms", "DEEPGRAM_ENDPOINTING_MS")
	v.BindEnv("deepgram.ws_url", "DEEPGRAM_WS_URL")
	v.BindEnv("deepgram.api_url", "DEEPGRAM_API_URL")
	v.BindEnv("deepgram.sentiment", "DEEPGRAM_SENTIMENT")
	v.BindEnv("deepgram.keepalive_seconds", "DEEPGRAM_KEEPALIVE_SECONDS")

	v.BindEnv("murf.api_key", "MURF_API_KEY")
	v.BindEnv("murf.api_url", "MURF_API_URL")
	v.BindEnv("murf.format", "MURF_FORMAT")
	v.BindEnv("murf.timeout_ms", "MURF_TIMEOUT_MS")

	v.BindEnv("voices.primary_coach", "VOICE_PRIMARY_COACH")
	v.BindEnv("voices.tough_heckler", "VOICE_TOUGH_HECKLER")
	v.BindEnv("voices.crowd_member_1", "VOICE_CROWD_MEMBER_1")
	v.BindEnv("voices.crowd_member_2", "VOICE_CROWD_MEMBER_2")

	v.BindEnv("reaction.cooldown", "BACKCHANNEL_COOLDOWN")
	v.BindEnv("reaction.interim_min_chars", "BACKCHANNEL_INTERIM_MIN_CHARS")
	v.BindEnv("reaction.default_mode", "DEFAULT_MODE")
	v.BindEnv("reaction.personas_file", "PERSONAS_FILE")
	v.BindEnv("reaction.forward_interim", "FORWARD_INTERIM_TRANSCRIPTS")
	v.BindEnv("reaction.debug_sentiment", "DEBUG_SENTIMENT")

	v.BindEnv("auth.client_secret", "CLIENT_TOKEN_SECRET")
	v.BindEnv("auth.token_skew_secs", "CLIENT_TOKEN_SKEW_SECS")
	v.BindEnv("auth.admin_key", "ADMIN_API_KEY")

	v.BindEnv("journal.retention", "JOURNAL_RETENTION")
	v.BindEnv("journal.path", "JOURNAL_PATH")

	v.BindEnv("capture.dir", "AUDIO_CAPTURE_DIR")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.AllowedOrigins = splitList(v.GetString("server.allowed_origins"))
	c.Server.WSConnectRPS = v.GetFloat64("server.ws_connect_rps")
	c.Server.WSConnectBurst = v.GetInt("server.ws_connect_burst")

	c.Deepgram.APIKey = v.GetString("deepgram.api_key")
	c.Deepgram.Model = v.GetString("deepgram.model")
	c.Deepgram.Language = v.GetString("deepgram.language")
	c.Deepgram.EndpointingMs = v.GetInt("deepgram.endpointing_ms")
	c.Deepgram.WSURL = v.GetString("deepgram.ws_url")
	c.Deepgram.APIURL = v.GetString("deepgram.api_url")
	c.Deepgram.Sentiment = v.GetBool("deepgram.sentiment")
	c.Deepgram.KeepAliveSeconds = v.GetInt("deepgram.keepalive_seconds")

	c.Murf.APIKey = v.GetString("murf.api_key")
	c.Murf.APIURL = v.GetString("murf.api_url")
	c.Murf.Format = v.GetString("murf.format")
	c.Murf.TimeoutMs = v.GetInt("murf.timeout_ms")

	c.Voices.PrimaryCoach = v.GetString("voices.primary_coach")
	c.Voices.ToughHeckler = v.GetString("voices.tough_heckler")
	c.Voices.Crowd1 = v.GetString("voices.crowd_member_1")
	c.Voices.Crowd2 = v.GetString("voices.crowd_member_2")

	// BACKCHANNEL_COOLDOWN is in (fractional) seconds
	c.Reaction.Cooldown = time.Duration(v.GetFloat64("reaction.cooldown") * float64(time.Second))
	c.Reaction.InterimMinChars = v.GetInt("reaction.interim_min_chars")
	c.Reaction.DefaultMode = strings.ToLower(strings.TrimSpace(v.GetString("reaction.default_mode")))
	c.Reaction.PersonasFile = v.GetString("reaction.personas_file")
	c.Reaction.ForwardInterim = v.GetBool("reaction.forward_interim")
	c.Reaction.DebugSentiment = v.GetBool("reaction.debug_sentiment")

	c.Auth.ClientSecret = v.GetString("auth.client_secret")
	c.Auth.TokenSkewSecs = v.GetInt("auth.token_skew_secs")
	c.Auth.AdminKey = v.GetString("auth.admin_key")

	c.Journal.Retention = strings.ToLower(v.GetString("journal.retention"))
	c.Journal.Path = v.GetString("journal.path")

	c.Capture.Dir = v.GetString("capture.dir")

	return c
}

// Validate reports configuration the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Deepgram.APIKey) == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	if strings.TrimSpace(c.Murf.APIKey) == "" {
		errs = append(errs, errors.New("MURF_API_KEY is required"))
	}
	if c.Reaction.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("BACKCHANNEL_COOLDOWN must be >= 0, got %s", c.Reaction.Cooldown))
	}
	if c.Reaction.InterimMinChars < 0 {
		errs = append(errs, fmt.Errorf("BACKCHANNEL_INTERIM_MIN_CHARS must be >= 0, got %d", c.Reaction.InterimMinChars))
	}
	switch c.Journal.Retention {
	case "ephemeral", "persistent":
	default:
		errs = append(errs, fmt.Errorf("JOURNAL_RETENTION must be ephemeral or persistent, got %q", c.Journal.Retention))
	}
	return errors.Join(errs...)
}

func toString(v any) string { return fmt.Sprint(v) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
