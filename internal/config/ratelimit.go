package config

import (
	"os"
	"strings"
	"time"
)

// RouteClass groups endpoints that share one rate-limit policy.
type RouteClass string

const (
	ClassAuth   RouteClass = "auth"
	ClassAPI    RouteClass = "api"
	ClassUpload RouteClass = "upload"
)

// Window is a fixed-window policy: at most Limit requests per Window.
type Window struct {
	Limit  int
	Window time.Duration
}

type RateLimitConfig struct {
	Enabled bool
	// Bypass exempts every caller. It is an operator switch read from the
	// environment only and is forced off in production.
	Bypass  bool
	Prefix  string
	Classes map[RouteClass]Window
}

// LoadRateLimitConfig reads the per-class windows. Defaults: auth 5/15m,
// api 100/15m, upload 200/1h.
func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled: envBool("RATE_LIMIT_ENABLED", true),
		Bypass:  envBool("RATE_LIMIT_BYPASS", false),
		Prefix:  envStr("RATE_LIMIT_PREFIX", "rl"),
		Classes: map[RouteClass]Window{
			ClassAuth:   loadWindow("AUTH", 5, 15*time.Minute),
			ClassAPI:    loadWindow("API", 100, 15*time.Minute),
			ClassUpload: loadWindow("UPLOAD", 200, time.Hour),
		},
	}
	if isProduction(os.Getenv("APP_ENV")) {
		cfg.Bypass = false
	}
	return cfg
}

// MinWindow is the shortest rate-limit window honoured.
const MinWindow = time.Second

func loadWindow(name string, limit int, window time.Duration) Window {
	w := Window{
		Limit:  envInt("RATE_LIMIT_"+strings.ToUpper(name)+"_LIMIT", limit),
		Window: envDur("RATE_LIMIT_"+strings.ToUpper(name)+"_WINDOW", window),
	}
	if w.Limit < 1 {
		w.Limit = 1
	}
	if w.Window <= 0 {
		w.Window = window
	}
	if w.Window < MinWindow {
		w.Window = MinWindow
	}
	return w
}
