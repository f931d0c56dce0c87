// Package config loads the gateway's environment-derived
// configuration, mirroring the reference implementation's env-var
// surface plus the expansion fields carried for testability and log
// verbosity control.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config is the resolved process configuration (§6, plus expansion).
type Config struct {
	RouterMode bool
	VLLMURL    string
	HTTPAddr   string
	WSAddr     string
	SessionCap int
	LogLevel   string
}

// Load reads Config from the environment, applying the documented defaults.
func Load() Config {
	return Config{
		RouterMode: isRouterMode(os.Getenv("ROUTER_MODE")),
		VLLMURL:    getenvDefault("VLLM_URL", "http://localhost:8000"),
		HTTPAddr:   getenvDefault("HTTP_ADDR", "0.0.0.0:8080"),
		WSAddr:     getenvDefault("WS_ADDR", "0.0.0.0:8081"),
		SessionCap: getenvIntDefault("SESSION_CAP", 100),
		LogLevel:   getenvDefault("LOG_LEVEL", "info"),
	}
}

// isRouterMode follows §6's "{true,1,other}" rule: only "true" and "1"
// (case-insensitively) select router mode.
func isRouterMode(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1"
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
