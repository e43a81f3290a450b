package cache

import (
	"time"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/vecf32"
	"gorgonia.org/vecf64"
)

// noiseSource draws the standard normal noise mixed into substitutes.
type noiseSource struct {
	normal distuv.Normal
}

func newNoiseSource(seed uint64) *noiseSource {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &noiseSource{
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
	}
}

// perturbable reports whether t has an element type substitutes can be
// synthesized for. Scalars and integer tensors are not.
func perturbable(t tensor.Tensor) bool {
	switch t.Data().(type) {
	case []float32, []float64, []float16.Float16, []bfloat16.BF16:
		return true
	default:
		return false
	}
}

// perturb returns a copy of t with freshly sampled noise scaled by scale
// added to every element. Shape, dtype and engine follow t.
func (s *noiseSource) perturb(t tensor.Tensor, scale float64) tensor.Tensor {
	out := t.Clone().(tensor.Tensor)

	switch data := out.Data().(type) {
	case []float32:
		noise := make([]float32, len(data))
		for i := range noise {
			noise[i] = float32(s.normal.Rand())
		}
		vecf32.Scale(noise, float32(scale))
		vecf32.Add(data, noise)
	case []float64:
		noise := make([]float64, len(data))
		for i := range noise {
			noise[i] = s.normal.Rand()
		}
		vecf64.Scale(noise, scale)
		vecf64.Add(data, noise)
	case []float16.Float16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v.Float32() + float32(s.normal.Rand()*scale))
		}
	case []bfloat16.BF16:
		for i, v := range data {
			data[i] = bfloat16.FromFloat32(bfloat16.ToFloat32(v) + float32(s.normal.Rand()*scale))
		}
	}

	return out
}
