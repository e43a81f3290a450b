package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pdevine/tensor"

	"github.com/ollama/stepcache/cache"
)

// Denoiser is the part of a transformer the sampling loop calls.
type Denoiser interface {
	Forward() cache.Forward
}

// SampleConfig configures a sampling run.
type SampleConfig struct {
	Steps int

	// Mu is the dynamic time shift. 0 disables shifting.
	Mu float32

	// OnStep, if set, is called after each step with its index, sigma and
	// the time spent in the transformer.
	OnStep func(step int, sigma float32, elapsed time.Duration)
}

// Sample denoises latent over cfg.Steps Euler steps, calling the current
// entry point of d once per step.
func Sample(ctx context.Context, d Denoiser, latent tensor.Tensor, cfg SampleConfig) (tensor.Tensor, error) {
	if cfg.Steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", cfg.Steps)
	}

	scheduler := NewFlowMatchEulerScheduler(nil)
	scheduler.SetTimestepsWithMu(cfg.Steps, cfg.Mu)

	x := latent
	for i := range cfg.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timestep := scheduler.GetTimestep(i)
		kwargs := map[string]any{
			cache.OptionsKey: map[string]any{
				"step":        i,
				"total_steps": cfg.Steps,
				"sigmas":      scheduler.Sigmas,
			},
		}

		start := time.Now()
		out, err := d.Forward()(ctx, []any{x, timestep}, kwargs)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		elapsed := time.Since(start)

		v, ok := out.(tensor.Tensor)
		if !ok {
			return nil, fmt.Errorf("step %d: transformer returned %T, not a tensor", i, out)
		}

		if x, err = scheduler.Step(v, x, i); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		if cfg.OnStep != nil {
			cfg.OnStep(i, scheduler.Sigmas[i], elapsed)
		}
	}

	return x, nil
}
