// README: Scenario runner against a live dispatch-api; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL     string
	JWTSecret   string
	DSN         string
	RedisAddr   string
	Strict      bool
	Timeout     time.Duration
	Concurrency int
	Duration    time.Duration
	// Agents is how many delivery agents the run onboards around the pickup.
	Agents int
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("DISPATCH_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", envOrDefault("DISPATCH_AUTH_JWTSECRET", ""), "HS256 secret used to mint caller tokens")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("DISPATCH_BENCH_DSN", ""), "Postgres DSN for consistency checks (optional)")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("DISPATCH_BENCH_REDIS_ADDR", ""), "Redis address (optional)")
	flag.BoolVar(&cfg.Strict, "strict", false, "Fail when checks are skipped")
	flag.DurationVar(&cfg.Timeout, "timeout", 2*time.Minute, "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", 20, "Concurrency for race and perf checks")
	flag.DurationVar(&cfg.Duration, "duration", 10*time.Second, "Duration of each perf check")
	flag.IntVar(&cfg.Agents, "agents", 5, "Delivery agents to onboard")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
