// Package cache implements a step-skipping cache for diffusion model inference.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"

	"github.com/ollama/stepcache/envconfig"
	"github.com/ollama/stepcache/logutil"
)

// OptionsKey is the keyword argument hosts use to pass structured options
// to the transformer. It is forwarded untouched.
const OptionsKey = "transformer_options"

// Forward is the entry point of a computation unit. It is invoked once per
// denoising step and returns either a tensor or any other value.
type Forward func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Phase is the state of the cache policy for a given call.
type Phase int

const (
	// Warmup calls are always computed.
	Warmup Phase = iota
	// Steady calls are skipped on the configured cadence.
	Steady
)

func (p Phase) String() string {
	switch p {
	case Warmup:
		return "warmup"
	case Steady:
		return "steady"
	default:
		return "unknown"
	}
}

// Config holds configuration for the step cache.
type Config struct {
	// WarmupSteps is the number of leading calls that always compute.
	WarmupSteps int

	// SkipInterval skips every call whose 1-indexed position is a multiple of
	// it once warmup is over. Values below 1 disable skipping.
	SkipInterval int

	// NoiseScale multiplies the standard normal noise added to substitutes.
	NoiseScale float64

	// Seed for the noise source. 0 seeds from the clock.
	Seed uint64
}

// DefaultConfig returns the reference policy: three warmup calls, then skip
// every second call with 0.001 noise.
func DefaultConfig() *Config {
	return &Config{
		WarmupSteps:  3,
		SkipInterval: 2,
		NoiseScale:   0.001,
	}
}

// ConfigFromEnv returns the configuration set through STEPCACHE_* variables.
// Unset variables keep the DefaultConfig values.
func ConfigFromEnv() *Config {
	return &Config{
		WarmupSteps:  envconfig.WarmupSteps,
		SkipInterval: envconfig.SkipInterval,
		NoiseScale:   envconfig.NoiseScale,
		Seed:         envconfig.Seed,
	}
}

// Compute records one real computation.
type Compute struct {
	// Call is the 1-indexed call that ran the computation.
	Call    int
	Elapsed time.Duration
}

// Cache decides, for every call of a wrapped entry point, whether to run the
// real computation or to return a perturbed copy of the last real result.
//
// A Cache is owned by its caller and is not safe for concurrent use. Use one
// Cache per stream of sequential denoising steps and call Reset at the start
// of each inference session.
type Cache struct {
	cfg Config

	session string

	calls    int
	skips    int
	computes []Compute

	// wall is the time spent serving calls, skips included
	wall time.Duration

	// last is a detached copy of the most recent real tensor result
	last tensor.Tensor

	noise *noiseSource

	now func() time.Time
}

// New creates a cache. A nil config uses DefaultConfig.
func New(cfg *Config) *Cache {
	c := &Cache{now: time.Now}
	c.Configure(cfg)
	c.Reset()
	return c
}

// Configure replaces the policy parameters. Counters and the cached result
// are kept; call Reset to start over.
func (c *Cache) Configure(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c.cfg = *cfg
	if c.cfg.WarmupSteps < 0 {
		slog.Warn("negative warmup steps, using 0", "warmup_steps", c.cfg.WarmupSteps)
		c.cfg.WarmupSteps = 0
	}
	if c.cfg.SkipInterval < 1 {
		slog.Debug("skip interval below 1, skipping disabled", "skip_interval", c.cfg.SkipInterval)
	}
	if c.cfg.NoiseScale < 0 {
		slog.Warn("negative noise scale, using 0", "noise_scale", c.cfg.NoiseScale)
		c.cfg.NoiseScale = 0
	}

	c.noise = newNoiseSource(c.cfg.Seed)
}

// Config returns the active configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// Reset clears all counters and the cached result and starts a new session.
func (c *Cache) Reset() {
	c.session = uuid.NewString()
	c.calls = 0
	c.skips = 0
	c.computes = nil
	c.wall = 0
	c.last = nil
	slog.Debug("step cache reset", "session", c.session)
}

// Session returns the id of the current session.
func (c *Cache) Session() string {
	return c.session
}

// Phase returns the policy phase of the n-th call.
func (c *Cache) Phase(n int) Phase {
	if n <= c.cfg.WarmupSteps {
		return Warmup
	}
	return Steady
}

// ShouldSkip reports whether the n-th call (1-indexed) is scheduled to be
// skipped. A scheduled skip still computes when no result is cached.
func (c *Cache) ShouldSkip(n int) bool {
	if c.Phase(n) == Warmup || c.cfg.SkipInterval < 1 {
		return false
	}
	return n%c.cfg.SkipInterval == 0
}

// Call serves one invocation of the wrapped entry point. Arguments are
// passed to next unchanged and errors from next are returned unchanged.
func (c *Cache) Call(ctx context.Context, next Forward, args []any, kwargs map[string]any) (any, error) {
	start := c.now()
	defer func() { c.wall += c.now().Sub(start) }()

	c.calls++
	n := c.calls
	c.trace(ctx, n, args, kwargs)

	if c.ShouldSkip(n) {
		if c.last != nil {
			c.skips++
			slog.Debug("skipping computation", "session", c.session, "call", n, "skips", c.skips)
			return c.noise.perturb(c.last, c.cfg.NoiseScale), nil
		}

		slog.Debug("no cached result, computing instead", "session", c.session, "call", n)
	}

	computeStart := c.now()
	result, err := next(ctx, args, kwargs)
	if err != nil {
		return nil, err
	}

	elapsed := c.now().Sub(computeStart)
	c.computes = append(c.computes, Compute{Call: n, Elapsed: elapsed})

	if t, ok := result.(tensor.Tensor); ok && perturbable(t) {
		c.last = detach(t)
	} else {
		// a stale result must not stand in for this one
		c.last = nil
	}

	slog.Debug("computed", "session", c.session, "call", n, "elapsed", elapsed, "cached", c.last != nil)
	return result, nil
}

func (c *Cache) trace(ctx context.Context, n int, args []any, kwargs map[string]any) {
	var attrs []any
	attrs = append(attrs, "session", c.session, "call", n, "phase", c.Phase(n), "args", len(args))

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	attrs = append(attrs, "kwargs", keys)

	if opts, ok := kwargs[OptionsKey].(map[string]any); ok {
		optKeys := make([]string, 0, len(opts))
		for k := range opts {
			optKeys = append(optKeys, k)
		}
		slices.Sort(optKeys)
		attrs = append(attrs, "options", optKeys)
	}

	for i, arg := range args {
		if t, ok := arg.(tensor.Tensor); ok {
			attrs = append(attrs, slog.Group("arg", "index", i, "shape", fmt.Sprint(t.Shape()), "dtype", t.Dtype().String()))
		}
	}

	logutil.TraceContext(ctx, "forward", attrs...)
}

// detach returns an independent, contiguous copy of t.
func detach(t tensor.Tensor) tensor.Tensor {
	return tensor.Materialize(t).Clone().(tensor.Tensor)
}
