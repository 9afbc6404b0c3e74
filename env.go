// FILE: env.go
// Package main – Environment helpers and .env loading.
//
// loadEnvFile hydrates the process environment from ./.env (and ../.env)
// using godotenv, so the daemon can be tuned without shell exports. The
// small typed getters below read the (now-hydrated) environment with sane
// defaults; config.go uses them while building the Config.
package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// loadEnvFile loads .env from the current and parent directory. Missing
// files are not an error — the daemon may be configured entirely via
// exported environment variables instead.
func loadEnvFile() {
	for _, base := range []string{".", ".."} {
		_ = godotenv.Load(filepath.Join(base, ".env"))
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
