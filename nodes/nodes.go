// Package nodes exposes the step cache to a dataflow host as two nodes: one
// that accelerates a model and one that reports cache statistics.
package nodes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/stepcache/cache"
	"github.com/ollama/stepcache/patch"
)

const Category = "StepCache"

// Definition describes a node to the host graph.
type Definition struct {
	Name        string
	DisplayName string
	Category    string

	// Required and Optional map input names to host type names.
	Required map[string]string
	Optional map[string]string

	Returns     []string
	ReturnNames []string
}

// Node is a unit the host graph can execute.
type Node interface {
	Definition() Definition
	Run(ctx context.Context, inputs map[string]any) ([]any, error)
}

// Mappings returns the nodes keyed by their class name. Both nodes share c
// and p, so statistics reported by one describe calls accelerated by the
// other.
func Mappings(c *cache.Cache, p *patch.Patcher) map[string]Node {
	nodes := []Node{
		&Accelerate{Cache: c, Patcher: p},
		&Report{Cache: c},
	}

	m := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		m[n.Definition().Name] = n
	}
	return m
}

// DisplayNames returns the human readable node names keyed by class name.
func DisplayNames() map[string]string {
	m := make(map[string]string)
	for _, n := range []Node{&Accelerate{}, &Report{}} {
		d := n.Definition()
		m[d.Name] = d.DisplayName
	}
	return m
}

// Accelerate patches a model so its transformer runs through the cache.
// Every run starts a new cache session.
type Accelerate struct {
	Cache   *cache.Cache
	Patcher *patch.Patcher
}

func (*Accelerate) Definition() Definition {
	return Definition{
		Name:        "StepCacheAccelerate",
		DisplayName: "Step Cache Accelerate",
		Category:    Category,
		Required:    map[string]string{"model": "MODEL"},
		Optional: map[string]string{
			"warmup_steps":  "INT",
			"skip_interval": "INT",
			"noise_scale":   "FLOAT",
			"seed":          "INT",
		},
		Returns:     []string{"MODEL"},
		ReturnNames: []string{"accelerated model"},
	}
}

type accelerateInputs struct {
	Model        any      `mapstructure:"model"`
	WarmupSteps  *int     `mapstructure:"warmup_steps"`
	SkipInterval *int     `mapstructure:"skip_interval"`
	NoiseScale   *float64 `mapstructure:"noise_scale"`
	Seed         *uint64  `mapstructure:"seed"`
}

func (a *Accelerate) Run(_ context.Context, inputs map[string]any) ([]any, error) {
	var in accelerateInputs
	if err := decode(inputs, &in); err != nil {
		return nil, fmt.Errorf("accelerate: %w", err)
	}

	if in.WarmupSteps != nil || in.SkipInterval != nil || in.NoiseScale != nil || in.Seed != nil {
		cfg := a.Cache.Config()
		if in.WarmupSteps != nil {
			cfg.WarmupSteps = *in.WarmupSteps
		}
		if in.SkipInterval != nil {
			cfg.SkipInterval = *in.SkipInterval
		}
		if in.NoiseScale != nil {
			cfg.NoiseScale = *in.NoiseScale
		}
		if in.Seed != nil {
			cfg.Seed = *in.Seed
		}
		a.Cache.Configure(&cfg)
	}

	a.Cache.Reset()
	model := a.Patcher.Patch(in.Model)

	cfg := a.Cache.Config()
	slog.Info("step cache applied", "session", a.Cache.Session(), "warmup_steps", cfg.WarmupSteps, "skip_interval", cfg.SkipInterval, "noise_scale", cfg.NoiseScale)
	return []any{model}, nil
}

// Report formats the cache statistics. Its trigger input only orders it
// after the sampling nodes; the value is ignored.
type Report struct {
	Cache *cache.Cache
}

func (*Report) Definition() Definition {
	return Definition{
		Name:        "StepCacheStats",
		DisplayName: "Step Cache Stats",
		Category:    Category,
		Required:    map[string]string{"trigger": "*"},
		Returns:     []string{"STRING"},
		ReturnNames: []string{"statistics"},
	}
}

func (r *Report) Run(context.Context, map[string]any) ([]any, error) {
	report := r.Cache.Report()
	slog.Info("step cache statistics", "session", r.Cache.Session())
	return []any{report}, nil
}

func decode(inputs map[string]any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return d.Decode(inputs)
}
