package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the env-tunable part of Config for one class of dependency.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// Defaults per dependency class. Upstream data providers trip fast and
// recover fast; the database is given more room.
var (
	ProviderDefaults = Settings{MaxRequests: 2, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 1}
	LLMDefaults      = Settings{MaxRequests: 2, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 3, SuccessThreshold: 1}
	DatabaseDefaults = Settings{MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2}
	StreamDefaults   = Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2}
)

// SettingsFromEnv overlays CB_<NAME>_* variables on defaults, e.g.
// CB_TAVILY_FAILURE_THRESHOLD=5 or CB_DB_TIMEOUT=45s.
func SettingsFromEnv(name string, defaults Settings) Settings {
	prefix := "CB_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name)) + "_"
	return Settings{
		MaxRequests:      envUint32(prefix+"MAX_REQUESTS", defaults.MaxRequests),
		Interval:         envDuration(prefix+"INTERVAL", defaults.Interval),
		Timeout:          envDuration(prefix+"TIMEOUT", defaults.Timeout),
		FailureThreshold: envUint32(prefix+"FAILURE_THRESHOLD", defaults.FailureThreshold),
		SuccessThreshold: envUint32(prefix+"SUCCESS_THRESHOLD", defaults.SuccessThreshold),
	}
}

// ToConfig converts Settings into a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func envUint32(key string, def uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
