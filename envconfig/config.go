package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/stepcache/logutil"
)

var (
	// Set via STEPCACHE_DEBUG in the environment
	Debug int
	// Set via STEPCACHE_WARMUP_STEPS in the environment
	WarmupSteps int
	// Set via STEPCACHE_SKIP_INTERVAL in the environment
	SkipInterval int
	// Set via STEPCACHE_NOISE_SCALE in the environment
	NoiseScale float64
	// Set via STEPCACHE_SEED in the environment
	Seed uint64
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"STEPCACHE_DEBUG":         {"STEPCACHE_DEBUG", Debug, "Show additional debug information (e.g. STEPCACHE_DEBUG=1, 2 for trace)"},
		"STEPCACHE_WARMUP_STEPS":  {"STEPCACHE_WARMUP_STEPS", WarmupSteps, "Leading forward calls that are always computed (default 3)"},
		"STEPCACHE_SKIP_INTERVAL": {"STEPCACHE_SKIP_INTERVAL", SkipInterval, "Skip every Nth forward call after warmup, 0 disables skipping (default 2)"},
		"STEPCACHE_NOISE_SCALE":   {"STEPCACHE_NOISE_SCALE", NoiseScale, "Scale of the noise added to skipped results (default 0.001)"},
		"STEPCACHE_SEED":          {"STEPCACHE_SEED", Seed, "Seed for the substitute noise, 0 seeds from the clock"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel maps STEPCACHE_DEBUG to a slog level.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	// default values
	Debug = 0
	WarmupSteps = 3
	SkipInterval = 2
	NoiseScale = 0.001
	Seed = 0

	if debug := clean("STEPCACHE_DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil {
			if d {
				Debug = 1
			}
		} else if n, err := strconv.Atoi(debug); err == nil {
			Debug = n
		} else {
			Debug = 1
		}
	}

	if warmup := clean("STEPCACHE_WARMUP_STEPS"); warmup != "" {
		n, err := strconv.Atoi(warmup)
		if err != nil || n < 0 {
			slog.Error("invalid setting must be zero or greater", "STEPCACHE_WARMUP_STEPS", warmup, "error", err)
		} else {
			WarmupSteps = n
		}
	}

	if interval := clean("STEPCACHE_SKIP_INTERVAL"); interval != "" {
		n, err := strconv.Atoi(interval)
		if err != nil || n < 0 {
			slog.Error("invalid setting must be zero or greater", "STEPCACHE_SKIP_INTERVAL", interval, "error", err)
		} else {
			SkipInterval = n
		}
	}

	if scale := clean("STEPCACHE_NOISE_SCALE"); scale != "" {
		f, err := strconv.ParseFloat(scale, 64)
		if err != nil || f < 0 {
			slog.Error("invalid setting must be zero or greater", "STEPCACHE_NOISE_SCALE", scale, "error", err)
		} else {
			NoiseScale = f
		}
	}

	if seed := clean("STEPCACHE_SEED"); seed != "" {
		s, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "STEPCACHE_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}
}
