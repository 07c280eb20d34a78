// Package config resolves the engine's on-disk layout and holds the
// tunable RuntimeConfig knobs consumed by the executor, queue and
// parallel supervisor.
package config

import (
	"os"
	"path/filepath"
	"time"
)

const appDirName = "engine"

// GetBaseDir returns the root directory the engine uses for its SQLite
// store, lock file and logs, creating no directories itself.
func GetBaseDir() string {
	if dir := os.Getenv("ENGINE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+appDirName)
}

// GetStateDir returns the directory holding the durable SQLite store.
func GetStateDir() string { return filepath.Join(GetBaseDir(), "state") }

// GetLogsDir returns the directory holding debug logs.
func GetLogsDir() string { return filepath.Join(GetBaseDir(), "logs") }

// GetTempDir returns the scratch directory used for in-progress
// downloads and parallel-download chunk staging before the atomic
// rename into the task's final Directory.
func GetTempDir() string { return filepath.Join(GetBaseDir(), "tmp") }

// EnsureDirs creates every directory the engine needs, idempotently.
func EnsureDirs() error {
	for _, dir := range []string{GetBaseDir(), GetStateDir(), GetLogsDir(), GetTempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// RuntimeConfig holds the tunable knobs for concurrency, retry backoff
// and HTTP behavior. Defaults mirror the teacher's own constants
// (RetryBaseDelay, ProbeTimeout, speed EMA alpha).
type RuntimeConfig struct {
	MaxConcurrent        int
	MaxConcurrentByHost  int
	MaxConcurrentByGroup int
	MaxTaskRetries       int
	RetryBaseDelay       time.Duration
	ProbeTimeout         time.Duration
	SoftTimeout          time.Duration
	HardTimeout          time.Duration
	SpeedEmaAlpha        float64
	UserAgent            string
	MinChunkSize         int64
	SlowWorkerGracePeriod time.Duration
	SlowWorkerThreshold   float64

	// ProxyURL, when set, routes every transfer through it: a socks5://
	// scheme dials through golang.org/x/net/proxy, anything else is
	// handed to http.ProxyURL. Empty means http.ProxyFromEnvironment.
	ProxyURL string
}

// DefaultRuntimeConfig returns the engine's out-of-the-box tuning,
// matching spec §5's 9-minute soft / 4-hour hard timeout values.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxConcurrent:        6,
		MaxConcurrentByHost:  4,
		MaxConcurrentByGroup: 3,
		MaxTaskRetries:       3,
		RetryBaseDelay:       1 * time.Second,
		ProbeTimeout:         10 * time.Second,
		SoftTimeout:          9 * time.Minute,
		HardTimeout:          4 * time.Hour,
		SpeedEmaAlpha:        0.25,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		MinChunkSize:          1 << 20, // 1 MiB
		SlowWorkerGracePeriod: 5 * time.Second,
		SlowWorkerThreshold:   0.3, // below 30% of the mean speed is "slow"
		ProxyURL:              os.Getenv("ENGINE_PROXY_URL"),
	}
}

func (c *RuntimeConfig) GetMaxTaskRetries() int            { return c.MaxTaskRetries }
func (c *RuntimeConfig) GetUserAgent() string               { return c.UserAgent }
func (c *RuntimeConfig) GetSpeedEmaAlpha() float64          { return c.SpeedEmaAlpha }
func (c *RuntimeConfig) GetRetryBaseDelay() time.Duration   { return c.RetryBaseDelay }
func (c *RuntimeConfig) GetSlowWorkerGracePeriod() time.Duration { return c.SlowWorkerGracePeriod }
func (c *RuntimeConfig) GetSlowWorkerThreshold() float64    { return c.SlowWorkerThreshold }
