package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/stepcache/cache"
	"github.com/ollama/stepcache/envconfig"
	"github.com/ollama/stepcache/pipeline"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	root := NewCLI()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestSimulateCommand(t *testing.T) {
	out, err := run(t, "simulate", "--steps", "10", "--latency", "0s", "--shape", "2,4", "--seed", "3", "--layout", "shallow")
	require.NoError(t, err)

	assert.Contains(t, out, "Session 1 (shallow, 10 steps)")
	assert.Contains(t, out, "DECISION")
	assert.Contains(t, out, "Total forward calls: 10")
	assert.Contains(t, out, "Cache hits: 4")
	assert.Contains(t, out, "Hit rate: 40.0%")
	assert.Contains(t, out, "Max deviation from target:")
	assert.Equal(t, 4, strings.Count(out, "skip"))
}

func TestSimulateSessions(t *testing.T) {
	out, err := run(t, "simulate", "--steps", "6", "--latency", "0s", "--shape", "4", "--sessions", "3", "--warmup", "1", "--interval", "3")
	require.NoError(t, err)

	for _, header := range []string{"Session 1 (nested", "Session 2 (nested", "Session 3 (nested"} {
		assert.Contains(t, out, header)
	}

	// calls 3 and 6 skip in every session
	assert.Equal(t, 6, strings.Count(out, "skip"))
	assert.Equal(t, 3, strings.Count(out, "Cache hits: 2"))
}

func TestSimulateEnvDefaults(t *testing.T) {
	t.Cleanup(envconfig.LoadConfig)
	t.Setenv("STEPCACHE_SKIP_INTERVAL", "0")
	envconfig.LoadConfig()

	out, err := run(t, "simulate", "--steps", "5", "--latency", "0s", "--shape", "2")
	require.NoError(t, err)

	assert.Contains(t, out, "Cache hits: 0")
	assert.Zero(t, strings.Count(out, "skip"))
}

func TestSimulateBadFlags(t *testing.T) {
	cases := map[string][]string{
		"layout":   {"simulate", "--layout", "flat"},
		"steps":    {"simulate", "--steps", "0"},
		"sessions": {"simulate", "--sessions", "0", "--latency", "0s"},
		"shape":    {"simulate", "--shape", "2,0", "--latency", "0s"},
		"args":     {"simulate", "extra"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestSimulate(t *testing.T) {
	opts := simulateOptions{
		Steps:    8,
		Shape:    []int{2, 2},
		Sessions: 2,
		Layout:   pipeline.LayoutDirect,
		Cache:    cache.Config{WarmupSteps: 3, SkipInterval: 2, NoiseScale: 0.001, Seed: 11},
	}

	marks := make([][]bool, opts.Sessions)
	results, err := simulate(context.Background(), opts, func(session int, skipped bool) {
		marks[session] = append(marks[session], skipped)
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	want := []bool{false, false, false, true, false, true, false, true}
	for i, r := range results {
		assert.Equal(t, want, marks[i])
		require.Len(t, r.Steps, 8)

		for j, s := range r.Steps {
			assert.Equal(t, j+1, s.Call)
			assert.Equal(t, want[j], s.Skipped)
		}

		assert.Equal(t, cache.Warmup, r.Steps[2].Phase)
		assert.Equal(t, cache.Steady, r.Steps[3].Phase)
		assert.Equal(t, 3, r.Stats.Skips)
		assert.Less(t, r.Deviation, 0.01)
	}

	assert.NotEqual(t, results[0].Stats.Session, results[1].Stats.Session)
}

func TestSimulateTimeShift(t *testing.T) {
	opts := simulateOptions{
		Steps:    4,
		Shape:    []int{2},
		Sessions: 1,
		Layout:   pipeline.LayoutNested,
		Cache:    cache.Config{WarmupSteps: 3, SkipInterval: 2, Seed: 5},
	}

	linear, err := simulate(context.Background(), opts, nil)
	require.NoError(t, err)

	opts.Mu = 1.15
	shifted, err := simulate(context.Background(), opts, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.75, linear[0].Steps[1].Sigma, 1e-6)
	assert.InDelta(t, 0.9045, shifted[0].Steps[1].Sigma, 1e-3)
	assert.Less(t, shifted[0].Deviation, 0.01)
}

func TestSimulateMuFlag(t *testing.T) {
	out, err := run(t, "simulate", "--steps", "4", "--latency", "0s", "--shape", "2", "--mu", "1.15")
	require.NoError(t, err)
	assert.Contains(t, out, "0.905")

	_, err = run(t, "simulate", "--mu", "steep")
	assert.Error(t, err)
}

func TestSimulateCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	opts := simulateOptions{
		Steps:    4,
		Latency:  time.Minute,
		Shape:    []int{2},
		Sessions: 2,
		Layout:   pipeline.LayoutNested,
		Cache:    *cache.DefaultConfig(),
	}

	_, err := simulate(ctx, opts, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnvCommand(t *testing.T) {
	out, err := run(t, "env")
	require.NoError(t, err)

	for _, name := range []string{
		"STEPCACHE_DEBUG",
		"STEPCACHE_WARMUP_STEPS",
		"STEPCACHE_SKIP_INTERVAL",
		"STEPCACHE_NOISE_SCALE",
		"STEPCACHE_SEED",
	} {
		assert.Contains(t, out, name)
	}

	// sorted by name
	assert.Less(t, strings.Index(out, "STEPCACHE_DEBUG"), strings.Index(out, "STEPCACHE_SEED"))
}
