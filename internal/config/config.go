// Package config loads server configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	DatabaseURL string // empty selects the simulated data source
	JudgeURL    string // empty selects the simulated judge

	CountdownSec int
	TurnSec      int

	// Vote rate limiting per spectator.
	VoteLimit     int
	VoteWindow    time.Duration
	VoteBlock     time.Duration
	SweepInterval time.Duration
}

// Load reads .env if present, then the environment. Missing keys fall
// back to defaults suitable for local development.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:          getString("ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JudgeURL:      os.Getenv("JUDGE_URL"),
		CountdownSec:  getInt("COUNTDOWN_SECONDS", 3),
		TurnSec:       getInt("TURN_SECONDS", 60),
		VoteLimit:     getInt("VOTE_LIMIT", 5),
		VoteWindow:    getDuration("VOTE_WINDOW", 10*time.Second),
		VoteBlock:     getDuration("VOTE_BLOCK", 5*time.Second),
		SweepInterval: getDuration("SWEEP_INTERVAL", time.Minute),
	}
}

// Live reports whether a real database is configured.
func (c *Config) Live() bool { return c.DatabaseURL != "" }

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
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

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
