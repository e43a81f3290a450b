package pipeline

import "fmt"

// Layout names the way a host handle holds its transformer.
type Layout string

const (
	// LayoutNested is model.model.diffusion_model.
	LayoutNested Layout = "nested"
	// LayoutShallow is model.diffusion_model.
	LayoutShallow Layout = "shallow"
	// LayoutDirect is model.transformer.
	LayoutDirect Layout = "transformer"
)

func ParseLayout(s string) (Layout, error) {
	switch l := Layout(s); l {
	case LayoutNested, LayoutShallow, LayoutDirect:
		return l, nil
	default:
		return "", fmt.Errorf("unknown layout %q, want one of nested, shallow, transformer", s)
	}
}

// Patcher mirrors a host model patcher that keeps the diffusion model one
// level down.
type Patcher struct {
	Model *BaseModel
}

// BaseModel owns the diffusion model.
type BaseModel struct {
	DiffusionModel *Transformer
}

// Pipeline holds its transformer directly.
type Pipeline struct {
	Transformer *Transformer
}

// NewModel wraps t in the handle shape described by layout.
func NewModel(layout Layout, t *Transformer) (any, error) {
	switch layout {
	case LayoutNested:
		return &Patcher{Model: &BaseModel{DiffusionModel: t}}, nil
	case LayoutShallow:
		return &BaseModel{DiffusionModel: t}, nil
	case LayoutDirect:
		return &Pipeline{Transformer: t}, nil
	default:
		return nil, fmt.Errorf("unknown layout %q", layout)
	}
}
