package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/stepcache/cache"
	"github.com/ollama/stepcache/patch"
	"github.com/ollama/stepcache/pipeline"
	"github.com/ollama/stepcache/progress"
)

type simulateOptions struct {
	Steps    int
	Mu       float32
	Latency  time.Duration
	Shape    []int
	Sessions int
	Layout   pipeline.Layout
	Cache    cache.Config
}

// stepRecord is one row of the decision table.
type stepRecord struct {
	Call    int
	Sigma   float32
	Phase   cache.Phase
	Skipped bool
	Elapsed time.Duration
}

type sessionResult struct {
	Layout    pipeline.Layout
	Steps     []stepRecord
	Stats     cache.Stats
	Deviation float64
}

func NewSimulateCmd() *cobra.Command {
	defaults := cache.ConfigFromEnv()

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Sample a synthetic model through the step cache",
		Args:  cobra.NoArgs,
		RunE:  simulateHandler,
	}

	cmd.Flags().Int("steps", 10, "Number of sampling steps")
	cmd.Flags().Float32("mu", 0, "Dynamic time shift of the sigma schedule, 0 keeps it linear")
	cmd.Flags().Int("warmup", defaults.WarmupSteps, "Leading forward calls that are always computed")
	cmd.Flags().Int("interval", defaults.SkipInterval, "Skip every Nth forward call after warmup, 0 disables skipping")
	cmd.Flags().Float64("noise-scale", defaults.NoiseScale, "Scale of the noise added to skipped results")
	cmd.Flags().Uint64("seed", defaults.Seed, "Seed for latents and substitute noise, 0 seeds from the clock")
	cmd.Flags().Duration("latency", 50*time.Millisecond, "Simulated cost of one transformer evaluation")
	cmd.Flags().IntSlice("shape", []int{1, 4, 8, 8}, "Latent shape")
	cmd.Flags().Int("sessions", 1, "Number of independent sessions sampled concurrently")
	cmd.Flags().String("layout", string(pipeline.LayoutNested), "Model handle layout: nested, shallow or transformer")

	return cmd
}

func simulateHandler(cmd *cobra.Command, _ []string) error {
	var opts simulateOptions
	var err error

	flags := cmd.Flags()
	if opts.Steps, err = flags.GetInt("steps"); err != nil {
		return err
	}
	if opts.Mu, err = flags.GetFloat32("mu"); err != nil {
		return err
	}
	if opts.Latency, err = flags.GetDuration("latency"); err != nil {
		return err
	}
	if opts.Shape, err = flags.GetIntSlice("shape"); err != nil {
		return err
	}
	if opts.Sessions, err = flags.GetInt("sessions"); err != nil {
		return err
	}
	if opts.Cache.WarmupSteps, err = flags.GetInt("warmup"); err != nil {
		return err
	}
	if opts.Cache.SkipInterval, err = flags.GetInt("interval"); err != nil {
		return err
	}
	if opts.Cache.NoiseScale, err = flags.GetFloat64("noise-scale"); err != nil {
		return err
	}
	if opts.Cache.Seed, err = flags.GetUint64("seed"); err != nil {
		return err
	}

	layout, err := flags.GetString("layout")
	if err != nil {
		return err
	}
	if opts.Layout, err = pipeline.ParseLayout(layout); err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	var bars []*progress.StepBar
	if isTerminal(out) && isTerminal(os.Stderr) {
		p := progress.NewProgress(os.Stderr)
		for i := range opts.Sessions {
			bar := progress.NewStepBar(fmt.Sprintf("session %d", i+1), opts.Steps)
			p.Add(bar)
			bars = append(bars, bar)
		}
		defer p.StopAndClear()
	}

	results, err := simulate(cmd.Context(), opts, func(session int, skipped bool) {
		if bars != nil {
			bars[session].Mark(skipped)
		}
	})
	if err != nil {
		return err
	}

	return printResults(out, results)
}

// simulate samples opts.Sessions independent sessions concurrently, each
// with its own transformer, cache and patcher. onStep, if set, is called
// from the sampling goroutines after every step.
func simulate(ctx context.Context, opts simulateOptions, onStep func(session int, skipped bool)) ([]sessionResult, error) {
	if opts.Steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", opts.Steps)
	}
	if opts.Sessions < 1 {
		return nil, fmt.Errorf("sessions must be at least 1, got %d", opts.Sessions)
	}
	if len(opts.Shape) == 0 {
		return nil, errors.New("shape must have at least one dimension")
	}
	for _, d := range opts.Shape {
		if d < 1 {
			return nil, fmt.Errorf("invalid shape %v: dimensions must be positive", opts.Shape)
		}
	}

	seed := opts.Cache.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	results := make([]sessionResult, opts.Sessions)

	g, ctx := errgroup.WithContext(ctx)
	for i := range opts.Sessions {
		g.Go(func() error {
			sessionSeed := seed + uint64(i)*2

			cfg := opts.Cache
			cfg.Seed = sessionSeed
			c := cache.New(&cfg)

			scheduler := pipeline.NewFlowMatchEulerScheduler(nil)
			target := scheduler.InitNoise(opts.Shape, sessionSeed+1)
			latent := scheduler.InitNoise(opts.Shape, sessionSeed)

			tr := pipeline.NewTransformer(opts.Latency, target)
			model, err := pipeline.NewModel(opts.Layout, tr)
			if err != nil {
				return err
			}

			p := patch.NewPatcher(c)
			p.Patch(model)
			defer p.Restore(model)

			result := sessionResult{Layout: opts.Layout}
			skips := 0
			x, err := pipeline.Sample(ctx, tr, latent, pipeline.SampleConfig{
				Steps: opts.Steps,
				Mu:    opts.Mu,
				OnStep: func(step int, sigma float32, elapsed time.Duration) {
					stats := c.Stats()
					skipped := stats.Skips > skips
					skips = stats.Skips

					result.Steps = append(result.Steps, stepRecord{
						Call:    stats.Calls,
						Sigma:   sigma,
						Phase:   c.Phase(stats.Calls),
						Skipped: skipped,
						Elapsed: elapsed,
					})

					if onStep != nil {
						onStep(i, skipped)
					}
				},
			})
			if err != nil {
				return fmt.Errorf("session %d: %w", i+1, err)
			}

			result.Stats = c.Stats()
			if result.Deviation, err = deviation(x, target); err != nil {
				return fmt.Errorf("session %d: %w", i+1, err)
			}

			slog.Debug("session finished", "session", result.Stats.Session, "calls", result.Stats.Calls, "skips", result.Stats.Skips, "deviation", result.Deviation)
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// deviation returns the largest absolute element difference of a and b.
func deviation(a, b tensor.Tensor) (float64, error) {
	x, ok := a.Data().([]float32)
	if !ok {
		return 0, fmt.Errorf("unexpected latent data %T", a.Data())
	}

	y, ok := b.Data().([]float32)
	if !ok || len(x) != len(y) {
		return 0, errors.New("latent does not match target")
	}

	var d float64
	for i := range x {
		d = max(d, math.Abs(float64(x[i]-y[i])))
	}
	return d, nil
}

func printResults(w io.Writer, results []sessionResult) error {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}

		fmt.Fprintf(w, "Session %d (%s, %d steps)\n", i+1, r.Layout, len(r.Steps))

		var data [][]string
		for _, s := range r.Steps {
			decision := "compute"
			if s.Skipped {
				decision = "skip"
			}

			data = append(data, []string{
				strconv.Itoa(s.Call),
				fmt.Sprintf("%.3f", s.Sigma),
				s.Phase.String(),
				decision,
				s.Elapsed.Round(time.Microsecond).String(),
			})
		}

		table := newTable(w)
		table.SetHeader([]string{"STEP", "SIGMA", "PHASE", "DECISION", "ELAPSED"})
		table.AppendBulk(data)
		table.Render()

		fmt.Fprintln(w)
		fmt.Fprintln(w, r.Stats.String())
		if _, err := fmt.Fprintf(w, "Max deviation from target: %.4f\n", r.Deviation); err != nil {
			return err
		}
	}

	return nil
}
