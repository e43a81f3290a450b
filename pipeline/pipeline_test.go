package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/pdevine/tensor"

	"github.com/ollama/stepcache/cache"
	"github.com/ollama/stepcache/patch"
)

func abs32(x float32) float32 {
	return float32(math.Abs(float64(x)))
}

func TestSchedulerProperties(t *testing.T) {
	scheduler := NewFlowMatchEulerScheduler(nil)
	scheduler.SetTimestepsWithMu(10, 1.15)

	for i := 1; i < len(scheduler.Sigmas); i++ {
		if scheduler.Sigmas[i] > scheduler.Sigmas[i-1] {
			t.Errorf("sigmas not monotonically decreasing at %d: %v > %v",
				i, scheduler.Sigmas[i], scheduler.Sigmas[i-1])
		}
	}

	if scheduler.Sigmas[0] != 1.0 {
		t.Errorf("first sigma: got %v, want 1", scheduler.Sigmas[0])
	}

	if scheduler.Sigmas[10] != 0.0 {
		t.Errorf("terminal sigma: got %v, want 0", scheduler.Sigmas[10])
	}

	if len(scheduler.Sigmas) != 11 {
		t.Errorf("sigmas length: got %d, want 11", len(scheduler.Sigmas))
	}
}

func TestSchedulerLinear(t *testing.T) {
	scheduler := NewFlowMatchEulerScheduler(nil)
	scheduler.SetTimesteps(4)

	want := []float32{1, 0.75, 0.5, 0.25, 0}
	for i, w := range want {
		if got := scheduler.GetTimestep(i); abs32(got-w) > 1e-6 {
			t.Errorf("timestep[%d]: got %v, want %v", i, got, w)
		}
	}

	if got := scheduler.GetTimestep(99); got != 0 {
		t.Errorf("out of range timestep: got %v, want 0", got)
	}
}

func TestSchedulerStep(t *testing.T) {
	scheduler := NewFlowMatchEulerScheduler(nil)
	scheduler.SetTimesteps(4)

	x := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 2}))
	v := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{4, -4}))

	next, err := scheduler.Step(v, x, 0)
	if err != nil {
		t.Fatal(err)
	}

	// dt = 0.75 - 1 = -0.25
	got := next.Data().([]float32)
	if abs32(got[0]-0) > 1e-6 || abs32(got[1]-3) > 1e-6 {
		t.Errorf("step: got %v, want [0 3]", got)
	}
}

func TestInitNoiseDeterministic(t *testing.T) {
	scheduler := NewFlowMatchEulerScheduler(nil)
	a := scheduler.InitNoise([]int{2, 8}, 42).Data().([]float32)
	b := scheduler.InitNoise([]int{2, 8}, 42).Data().([]float32)
	c := scheduler.InitNoise([]int{2, 8}, 43).Data().([]float32)

	if len(a) != 16 {
		t.Fatalf("noise length: got %d, want 16", len(a))
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different noise at %d", i)
		}
	}

	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Error("different seeds produced identical noise")
	}
}

func target() tensor.Tensor {
	return tensor.New(tensor.WithShape(2, 4), tensor.WithBacking([]float32{
		0.5, -0.5, 0.25, 0,
		1, -1, 0.75, 0.1,
	}))
}

func maxDiff(t *testing.T, a, b tensor.Tensor) float32 {
	t.Helper()

	x, y := a.Data().([]float32), b.Data().([]float32)
	if len(x) != len(y) {
		t.Fatalf("length mismatch: %d != %d", len(x), len(y))
	}

	var d float32
	for i := range x {
		d = max(d, abs32(x[i]-y[i]))
	}
	return d
}

func TestSampleConverges(t *testing.T) {
	tr := NewTransformer(0, target())
	latent := NewFlowMatchEulerScheduler(nil).InitNoise([]int{2, 4}, 1)

	var steps []int
	out, err := Sample(context.Background(), tr, latent, SampleConfig{
		Steps: 8,
		OnStep: func(step int, _ float32, _ time.Duration) {
			steps = append(steps, step)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if d := maxDiff(t, out, target()); d > 1e-4 {
		t.Errorf("sample did not converge on target, max diff %v", d)
	}

	if tr.Evaluations() != 8 {
		t.Errorf("evaluations: got %d, want 8", tr.Evaluations())
	}

	if len(steps) != 8 || steps[7] != 7 {
		t.Errorf("step callbacks: got %v", steps)
	}
}

func TestSampleAccelerated(t *testing.T) {
	for _, layout := range []Layout{LayoutNested, LayoutShallow, LayoutDirect} {
		t.Run(string(layout), func(t *testing.T) {
			tr := NewTransformer(0, target())
			model, err := NewModel(layout, tr)
			if err != nil {
				t.Fatal(err)
			}

			c := cache.New(&cache.Config{WarmupSteps: 3, SkipInterval: 2, NoiseScale: 0.001, Seed: 5})
			p := patch.NewPatcher(c)
			if got := p.Patch(model); got != model {
				t.Fatal("patch should return the same handle")
			}
			if !p.Patched(tr) {
				t.Fatal("transformer was not patched")
			}

			latent := NewFlowMatchEulerScheduler(nil).InitNoise([]int{2, 4}, 1)
			out, err := Sample(context.Background(), tr, latent, SampleConfig{Steps: 10})
			if err != nil {
				t.Fatal(err)
			}

			if tr.Evaluations() != 6 {
				t.Errorf("evaluations: got %d, want 6", tr.Evaluations())
			}

			stats := c.Stats()
			if stats.Calls != 10 || stats.Skips != 4 {
				t.Errorf("stats: got %d calls %d skips, want 10 and 4", stats.Calls, stats.Skips)
			}

			if d := maxDiff(t, out, target()); d > 0.01 {
				t.Errorf("accelerated sample drifted from target, max diff %v", d)
			}
		})
	}
}

func TestSampleErrors(t *testing.T) {
	latent := NewFlowMatchEulerScheduler(nil).InitNoise([]int{2, 4}, 1)

	t.Run("steps", func(t *testing.T) {
		if _, err := Sample(context.Background(), NewTransformer(0, nil), latent, SampleConfig{}); err == nil {
			t.Error("expected error for zero steps")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Sample(ctx, NewTransformer(0, nil), latent, SampleConfig{Steps: 4})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	})

	t.Run("canceled during forward", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := Sample(ctx, NewTransformer(time.Minute, nil), latent, SampleConfig{Steps: 4})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("got %v, want context.DeadlineExceeded", err)
		}
	})

	t.Run("non tensor output", func(t *testing.T) {
		tr := NewTransformer(0, nil)
		tr.SetForward(func(context.Context, []any, map[string]any) (any, error) {
			return "nope", nil
		})

		if _, err := Sample(context.Background(), tr, latent, SampleConfig{Steps: 2}); err == nil {
			t.Error("expected error for non tensor output")
		}
	})

	t.Run("bad arguments", func(t *testing.T) {
		tr := NewTransformer(0, nil)
		if _, err := tr.Forward()(context.Background(), []any{latent}, nil); err == nil {
			t.Error("expected error for missing timestep")
		}
		if _, err := tr.Forward()(context.Background(), []any{"latent", float32(1)}, nil); err == nil {
			t.Error("expected error for non tensor latent")
		}
		if _, err := tr.Forward()(context.Background(), []any{latent, 1.0}, nil); err == nil {
			t.Error("expected error for float64 timestep")
		}
	})
}

func TestParseLayout(t *testing.T) {
	for _, s := range []string{"nested", "shallow", "transformer"} {
		if l, err := ParseLayout(s); err != nil || string(l) != s {
			t.Errorf("ParseLayout(%q) = %q, %v", s, l, err)
		}
	}

	if _, err := ParseLayout("flat"); err == nil {
		t.Error("expected error for unknown layout")
	}

	if _, err := NewModel("flat", NewTransformer(0, nil)); err == nil {
		t.Error("expected error for unknown layout")
	}
}
