package config // package config loads application configuration from environment variables

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable; a .env file in the working directory is loaded
// first when present and never overrides variables already set.
type Config struct {
	Env             string        // application environment (dev, test, production)
	Port            string        // HTTP port to listen on
	DBUser          string        // database username
	DBPass          string        // database password (optional)
	DBHost          string        // database host address
	DBPort          string        // database port number
	DBName          string        // database name
	JWTSecret       string        // secret the identity provider signs session tokens with
	JWTIssuer       string        // iss claim of issued tokens
	AccessTTL       time.Duration // session token lifetime
	BcryptCost      int           // bcrypt cost for password hashing
	AllowedOrigins  []string      // CORS allow list
	BodyLimit       string        // maximum request body, echo size syntax (e.g. "1M")
	TrustedProxies  []string      // CIDRs whose X-Forwarded-For is believed
	ProviderTimeout time.Duration // deadline for every identity provider call

	// RejectPolicy decides when rejecting a role request also rejects the
	// account: "first" (only the account's first request), "always" or "never".
	RejectPolicy    string
	RevokeOnApprove bool // force re-authentication after an approval

	LogLevel  string
	LogFormat string // "json" or "text"

	SuperAdminEmail    string
	SuperAdminPassword string
}

// Load reads configuration values from environment variables and returns a
// Config. Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	_ = godotenv.Load() // optional; absent file is fine

	return Config{
		Env:             must("APP_ENV"),
		Port:            must("APP_PORT"),
		DBUser:          must("DB_USER"),
		DBPass:          os.Getenv("DB_PASS"),
		DBHost:          must("DB_HOST"),
		DBPort:          must("DB_PORT"),
		DBName:          must("DB_NAME"),
		JWTSecret:       must("JWT_SECRET"),
		JWTIssuer:       envStr("JWT_ISSUER", "ewaste-tracker"),
		AccessTTL:       time.Duration(mustInt("ACCESS_TOKEN_TTL_MIN")) * time.Minute,
		BcryptCost:      mustInt("BCRYPT_COST"),
		AllowedOrigins:  envList("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		BodyLimit:       envStr("BODY_LIMIT", "1M"),
		TrustedProxies:  envList("TRUSTED_PROXIES", ""),
		ProviderTimeout: envDur("PROVIDER_TIMEOUT", 3*time.Second),
		RejectPolicy:    strings.ToLower(envStr("APPROVAL_REJECT_POLICY", "first")),
		RevokeOnApprove: envBool("REVOKE_ON_APPROVE", false),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		LogFormat:       envStr("LOG_FORMAT", "text"),

		SuperAdminEmail:    os.Getenv("SUPER_ADMIN_EMAIL"),
		SuperAdminPassword: os.Getenv("SUPER_ADMIN_PASSWORD"),
	}
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return isProduction(c.Env)
}

func isProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production":
		return true
	}
	return false
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

func envList(k, d string) []string {
	var out []string
	for _, p := range strings.Split(envStr(k, d), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
