package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"backchannel/orchestra/internal/config"
)

type CheckResult struct {
	Name      string        `json:"name"`
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// probe is one authenticated GET against a provider's REST API.
type probe struct {
	name   string
	url    string
	header string
	value  string
	envKey string
}

// Checker verifies provider credentials with lightweight read-only calls.
type Checker struct {
	client *http.Client
	probes []probe
}

func NewChecker(cfg config.Config, client *http.Client) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	dg := strings.TrimRight(cfg.Deepgram.APIURL, "/")
	if dg == "" {
		dg = "https://api.deepgram.com/v1"
	}
	murf := strings.TrimRight(cfg.Murf.APIURL, "/")
	if murf == "" {
		murf = "https://api.murf.ai/v1"
	}
	var dgAuth string
	if cfg.Deepgram.APIKey != "" {
		dgAuth = "Token " + cfg.Deepgram.APIKey
	}
	return &Checker{
		client: client,
		probes: []probe{
			{name: "deepgram", url: dg + "/projects", header: "Authorization", value: dgAuth, envKey: "DEEPGRAM_API_KEY"},
			{name: "murf", url: murf + "/speech/voices", header: "api-key", value: cfg.Murf.APIKey, envKey: "MURF_API_KEY"},
		},
	}
}

// CheckAll runs all health checks and returns combined status
func CheckAll(ctx context.Context, cfg config.Config) HealthStatus {
	return NewChecker(cfg, nil).CheckAll(ctx)
}

func (c *Checker) CheckAll(ctx context.Context) HealthStatus {
	checks := make([]CheckResult, 0, len(c.probes))
	for _, p := range c.probes {
		checks = append(checks, c.check(ctx, p))
	}

	allOK := true
	for _, r := range checks {
		if !r.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func (c *Checker) check(ctx context.Context, p probe) (result CheckResult) {
	start := time.Now()
	result.Name = p.name
	defer func() {
		result.Latency = time.Since(start)
		result.LatencyMs = result.Latency.Milliseconds()
	}()

	if p.value == "" {
		result.Error = p.envKey + " not set"
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		return result
	}
	req.Header.Set(p.header, p.value)

	resp, err := c.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		result.Error = fmt.Sprintf("invalid API key (%d)", resp.StatusCode)
		return result
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return result
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	result.OK = true
	return result
}
