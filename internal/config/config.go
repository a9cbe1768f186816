package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	CORSOrigins []string
	LogLevel    string

	// DB
	Env    string // "dev" | "prod"
	DBPath string // file path, or "memory" for no persistence

	// Condominium REST backend
	BackendURL     string
	BackendTimeout time.Duration
	BackendRate    float64 // outbound calls per second, per process

	// Access sessions
	OpenDuration    time.Duration
	ClosePolicy     string // "optimistic" | "strict"
	RetryDelay      time.Duration
	MaxShells       int
	SkipPermissions bool // skip the resident-type rule; tokens are still checked and the backend still enforces

	// Event retention
	EventRetentionDays int // 0 = keep forever
	PruneIntervalHours int // how often the pruner runs (default 6)
}

// FromEnv reads PORTERO_* environment variables, falling back to an optional
// portero.yaml in the working directory and then to built-in defaults.
func FromEnv() Config {
	return load(viper.New())
}

func load(v *viper.Viper) Config {
	v.SetEnvPrefix("portero")
	v.AutomaticEnv()
	v.SetConfigName("portero")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	// a missing or broken file is not fatal: env and defaults still apply
	_ = v.ReadInConfig()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", "*")
	v.SetDefault("skip_permissions", false)
	v.SetDefault("db_path", "./data/portero.db")
	v.SetDefault("backend_url", "http://localhost:8000/api")
	v.SetDefault("backend_timeout", "10s")
	v.SetDefault("backend_rate", 5.0)
	v.SetDefault("open_duration", "180s")
	v.SetDefault("close_policy", "optimistic")
	v.SetDefault("retry_delay", "15s")
	v.SetDefault("max_shells", 256)
	v.SetDefault("event_retention_days", 30)
	v.SetDefault("prune_interval_hours", 6)

	env := strings.ToLower(strings.TrimSpace(v.GetString("env")))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	policy := strings.ToLower(strings.TrimSpace(v.GetString("close_policy")))
	if policy != "optimistic" && policy != "strict" {
		policy = "optimistic"
	}

	return Config{
		HTTPAddr:    nonEmpty(v.GetString("http_addr"), ":8080"),
		GRPCAddr:    nonEmpty(v.GetString("grpc_addr"), ":9090"),
		CORSOrigins: splitList(v.GetString("cors_origins"), "*"),
		LogLevel:    nonEmpty(strings.ToLower(v.GetString("log_level")), "info"),
		Env:         env,
		DBPath:      nonEmpty(v.GetString("db_path"), "./data/portero.db"),

		BackendURL:     strings.TrimRight(nonEmpty(v.GetString("backend_url"), "http://localhost:8000/api"), "/"),
		BackendTimeout: positiveDuration(v.GetDuration("backend_timeout"), 10*time.Second),
		BackendRate:    positiveFloat(v.GetFloat64("backend_rate"), 5),

		OpenDuration:    positiveDuration(v.GetDuration("open_duration"), 180*time.Second),
		ClosePolicy:     policy,
		RetryDelay:      positiveDuration(v.GetDuration("retry_delay"), 15*time.Second),
		MaxShells:       nonNegativeInt(v.GetInt("max_shells"), 256, true),
		SkipPermissions: v.GetBool("skip_permissions"),

		EventRetentionDays: nonNegativeInt(v.GetInt("event_retention_days"), 30, false),
		PruneIntervalHours: nonNegativeInt(v.GetInt("prune_interval_hours"), 6, true),
	}
}

func nonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// splitList parses a comma-separated value, dropping blanks.
func splitList(v, def string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{def}
	}
	return out
}

func positiveDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func positiveFloat(f, def float64) float64 {
	if f <= 0 {
		return def
	}
	return f
}

func nonNegativeInt(n, def int, zeroIsDefault bool) int {
	if n < 0 || (zeroIsDefault && n == 0) {
		return def
	}
	return n
}
