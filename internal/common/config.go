package common

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	// Directory holding the ticket snapshot and the monthly stats logs.
	DataDir  string
	StatsDir string
	// YAML policy file; empty means built-in defaults.
	PolicyFile string
	// Prometheus exposition address for the standalone /metrics server
	// (the hertz tracer has its own). Empty disables it.
	MetricsAddr string
	// HotReload preserves open tickets across a restart of the same process
	// generation (supervisor-driven reload rather than a cold start).
	HotReload bool
}

func LoadConfig() *Config {
	_ = godotenv.Load(".env")
	return &Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DataDir:     getenv("DATA_DIR", "data"),
		StatsDir:    getenv("STATS_DIR", "data/stats"),
		PolicyFile:  getenv("POLICY_FILE", ""),
		MetricsAddr: getenv("METRICS_ADDR", ""),
		HotReload:   getenv("HOT_RELOAD", "") == "1",
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
