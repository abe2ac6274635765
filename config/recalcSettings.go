package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RecalcSettings carries the tunables of the pricing recalculation control
// plane. Loaded once at process start and passed into the coordinator/worker
// by the caller; nothing in the workflow layer reads the environment.
type RecalcSettings struct {
	// ItemConcurrency bounds parallel item processing within one job to
	// bound load on the pricing engine and the store.
	ItemConcurrency int

	// ItemLease is how long a `processing` claim is honored before another
	// delivery may reclaim the item (worker-crash recovery).
	ItemLease time.Duration

	// MaxItemAttempts caps redelivery retries per item; past it the item
	// goes terminal failed.
	MaxItemAttempts int

	// PricingTimeout bounds a single external pricing call. A timeout is an
	// item failure, not a retry within the same pass.
	PricingTimeout time.Duration

	// PushTimeout bounds the best-effort HTTP progress push.
	PushTimeout time.Duration

	// Circuit breaker over the last CircuitWindow attempted items (skips
	// excluded); error rate >= CircuitThreshold stops the run early.
	CircuitWindow    int
	CircuitThreshold float64

	// APIBase + WorkerSecret authenticate the worker's HTTP progress push
	// to the API layer.
	APIBase      string
	WorkerSecret string

	// RunLockTTL is the per-run processing lock lease.
	RunLockTTL time.Duration
}

func LoadRecalcSettings() RecalcSettings {
	return RecalcSettings{
		ItemConcurrency:  intFromEnv("RECALC_ITEM_CONCURRENCY", 4),
		ItemLease:        time.Duration(intFromEnv("RECALC_ITEM_LEASE_SECONDS", 300)) * time.Second,
		MaxItemAttempts:  intFromEnv("RECALC_MAX_ITEM_ATTEMPTS", 3),
		PricingTimeout:   time.Duration(intFromEnv("RECALC_PRICING_TIMEOUT_SECONDS", 30)) * time.Second,
		PushTimeout:      time.Duration(intFromEnv("JOB_EVENTS_PUSH_TIMEOUT_SECONDS", 5)) * time.Second,
		CircuitWindow:    intFromEnv("PRICING_RECALC_CIRCUIT_WINDOW", 50),
		CircuitThreshold: floatFromEnv("PRICING_RECALC_CIRCUIT_THRESHOLD", 0.5),
		APIBase:          strings.TrimRight(strings.TrimSpace(os.Getenv("API_BASE_URL")), "/"),
		WorkerSecret:     os.Getenv("WORKER_SECRET"),
		RunLockTTL:       time.Duration(intFromEnv("RECALC_RUN_LOCK_TTL_SECONDS", 600)) * time.Second,
	}
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	// Keep the threshold in a sane band.
	if f < 0.05 {
		f = 0.05
	}
	if f > 0.95 {
		f = 0.95
	}
	return f
}
