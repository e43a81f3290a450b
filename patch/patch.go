// Package patch finds the computation unit inside a host model handle and
// routes its entry point through a cache policy.
package patch

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/ollama/stepcache/cache"
)

// Unit is a computation unit whose entry point can be replaced.
type Unit interface {
	Forward() cache.Forward
	SetForward(cache.Forward)
}

// Policy serves calls of a wrapped entry point. *cache.Cache implements it.
type Policy interface {
	Call(ctx context.Context, next cache.Forward, args []any, kwargs map[string]any) (any, error)
}

// Accessor is a named strategy for finding a Unit inside a host handle.
type Accessor struct {
	Name string
	Find func(handle any) (Unit, bool)
}

// DefaultAccessors lists the known host layouts in priority order.
var DefaultAccessors = []Accessor{
	{Name: "model.model.diffusion_model", Find: Path("model", "diffusion_model")},
	{Name: "model.diffusion_model", Find: Path("diffusion_model")},
	{Name: "model.transformer", Find: Path("transformer")},
}

// Locate returns the first Unit found by accessors, tried in order, and the
// name of the accessor that found it. DefaultAccessors are used when none
// are given.
func Locate(handle any, accessors ...Accessor) (Unit, string, bool) {
	if len(accessors) == 0 {
		accessors = DefaultAccessors
	}

	for _, a := range accessors {
		if unit, ok := a.Find(handle); ok && unit != nil {
			return unit, a.Name, true
		}
	}

	return nil, "", false
}

// Wrap returns an entry point that hands every call, with its arguments
// unchanged, to policy along with the original entry point.
func Wrap(original cache.Forward, policy Policy) cache.Forward {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return policy.Call(ctx, original, args, kwargs)
	}
}

// patchState marks every unit whose entry point has been replaced,
// whichever Patcher replaced it, so a unit is wrapped at most once.
var patchState = struct {
	mu    sync.Mutex
	units map[Unit]patchEntry
}{units: make(map[Unit]patchEntry)}

type patchEntry struct {
	owner    *Patcher
	original cache.Forward
}

// trackable reports whether unit can key the patch state. The check is on
// the dynamic value: a struct unit holding a slice in an interface field
// is not comparable even though its type is.
func trackable(unit Unit) bool {
	return unit != nil && reflect.ValueOf(unit).Comparable()
}

// Patcher installs a policy on computation units. A unit patched by one
// Patcher is left alone by every other until it is restored.
type Patcher struct {
	policy    Policy
	accessors []Accessor
}

// NewPatcher returns a patcher routing units through policy. Accessors
// default to DefaultAccessors.
func NewPatcher(policy Policy, accessors ...Accessor) *Patcher {
	return &Patcher{
		policy:    policy,
		accessors: accessors,
	}
}

// Patch routes the entry point of the unit inside handle through the
// policy and returns handle itself. A handle without a recognizable unit,
// or whose unit is already patched, is returned untouched.
func (p *Patcher) Patch(handle any) any {
	unit, path, ok := Locate(handle, p.accessors...)
	if !ok {
		slog.Warn("no computation unit found, model left unaccelerated", "model", fmt.Sprintf("%T", handle))
		return handle
	}

	if !trackable(unit) {
		slog.Warn("computation unit cannot be tracked, model left unaccelerated", "path", path, "unit", fmt.Sprintf("%T", unit))
		return handle
	}

	patchState.mu.Lock()
	defer patchState.mu.Unlock()

	if entry, ok := patchState.units[unit]; ok {
		slog.Info("computation unit already patched", "path", path, "same_patcher", entry.owner == p)
		return handle
	}

	original := unit.Forward()
	if original == nil {
		slog.Warn("computation unit has no entry point, model left unaccelerated", "path", path)
		return handle
	}

	patchState.units[unit] = patchEntry{owner: p, original: original}
	unit.SetForward(Wrap(original, p.policy))
	slog.Info("patched computation unit", "path", path, "unit", fmt.Sprintf("%T", unit))
	return handle
}

// Patched reports whether unit's entry point is routed through a policy,
// by this or any other Patcher.
func (p *Patcher) Patched(unit Unit) bool {
	if !trackable(unit) {
		return false
	}

	patchState.mu.Lock()
	defer patchState.mu.Unlock()

	_, ok := patchState.units[unit]
	return ok
}

// Restore puts back the original entry point of the unit inside handle if
// this Patcher installed it. It reports whether anything was restored.
func (p *Patcher) Restore(handle any) bool {
	unit, path, ok := Locate(handle, p.accessors...)
	if !ok || !trackable(unit) {
		return false
	}

	patchState.mu.Lock()
	defer patchState.mu.Unlock()

	entry, ok := patchState.units[unit]
	if !ok || entry.owner != p {
		return false
	}

	unit.SetForward(entry.original)
	delete(patchState.units, unit)
	slog.Info("restored computation unit", "path", path)
	return true
}
