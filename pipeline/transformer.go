// Package pipeline is a small diffusion host used to exercise the step
// cache: a flow matching scheduler, a synthetic transformer and the model
// handle layouts hosts wrap it in.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pdevine/tensor"

	"github.com/ollama/stepcache/cache"
)

// minTimestep keeps the velocity finite on the final step.
const minTimestep = 1e-3

// Transformer is a synthetic noise prediction unit. For a latent x at
// timestep t it predicts the flow matching velocity (x - target) / t, so
// that Euler sampling converges on target. Each evaluation takes Latency.
type Transformer struct {
	Latency time.Duration

	// Target is the clean latent the model denoises towards. Nil means zeros.
	Target tensor.Tensor

	forward cache.Forward
	evals   int
}

func NewTransformer(latency time.Duration, target tensor.Tensor) *Transformer {
	t := &Transformer{Latency: latency, Target: target}
	t.forward = t.predict
	return t
}

// Forward returns the current entry point.
func (t *Transformer) Forward() cache.Forward {
	return t.forward
}

// SetForward replaces the entry point.
func (t *Transformer) SetForward(f cache.Forward) {
	t.forward = f
}

// Evaluations returns the number of real forward passes run so far.
func (t *Transformer) Evaluations() int {
	return t.evals
}

func (t *Transformer) predict(ctx context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("transformer: want latent and timestep, got %d arguments", len(args))
	}

	x, ok := args[0].(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("transformer: latent is %T, not a tensor", args[0])
	}

	timestep, ok := args[1].(float32)
	if !ok {
		return nil, fmt.Errorf("transformer: timestep is %T, not float32", args[1])
	}

	if t.Latency > 0 {
		timer := time.NewTimer(t.Latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	t.evals++

	delta := x
	if t.Target != nil {
		var err error
		if delta, err = tensor.Sub(x, t.Target); err != nil {
			return nil, fmt.Errorf("transformer: %w", err)
		}
	}

	v, err := tensor.Mul(delta, 1/max(timestep, minTimestep))
	if err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}
	return v, nil
}
