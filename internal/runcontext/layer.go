// Package runcontext implements the Run Context engine (spec §4.3): a
// double-ended stack of layers, each owning cwd/argv/env/fd-map, folded
// top-to-bottom into one subprocess launch. This is the hard algorithmic
// part of the agent, generalized from the teacher's argv-building helpers
// in provider/podman/podman_exec.go (buildBasePodmanArgs,
// addContainerVolumesAndEnv) into a composable layer/fold model per the
// spec's REDESIGN FLAGS guidance (§9): a builder of transformers folding
// top-to-bottom, not a class hierarchy with virtual dispatch.
package runcontext

import (
	"github.com/jedi4ever/addt/internal/fdmap"
)

// HandlerFunc transforms target in place using self's accumulated state
// (and any layer-specific configuration captured in the closure that
// produced it). self is discarded once the handler returns.
type HandlerFunc func(self, target *Layer, ctx *Context) error

// Layer is one entry in a Run Context's layer stack.
type Layer struct {
	Name string

	Cwd    string
	HasCwd bool
	Argv   []string
	Env    []string // KEY=VALUE, key-unique
	FDs    *fdmap.Map

	Handler HandlerFunc

	// DeferredErr, when set, unconditionally fails the fold at this layer
	// (the "error(e)" layer of spec §4.3).
	DeferredErr error
}

// NewLayer constructs a plain layer with no handler (folds via
// defaultFold). This is the shape used for the base/user-command layer,
// the minimal-environment layer, and the HOME-null override layer.
func NewLayer(name string) *Layer {
	return &Layer{Name: name, FDs: fdmap.New()}
}

// NewRootLayer constructs the distinguished tail layer. It never acts as
// self (the fold loop stops once it is the only layer remaining) and
// receives the final composed argv/env/cwd/fd-map.
func NewRootLayer() *Layer {
	return NewLayer("root")
}

// NewErrorLayer constructs a layer that unconditionally fails the fold,
// deferring a setup-time error to spawn time (spec §4.3, §7 "Deferred
// error").
func NewErrorLayer(err error) *Layer {
	l := NewLayer("error")
	l.DeferredErr = err
	return l
}

// SetArgv replaces the layer's argv.
func (l *Layer) SetArgv(argv []string) *Layer {
	l.Argv = argv
	return l
}

// SetCwd sets the layer's cwd.
func (l *Layer) SetCwd(cwd string) *Layer {
	l.Cwd = cwd
	l.HasCwd = true
	return l
}

// Setenv sets (or, if value is nil, deletes) a single env entry, preserving
// the "reinsertion preserves order-at-write" rule of spec §4.3: any prior
// entry for key is removed before the new one (if any) is appended.
func (l *Layer) Setenv(key string, value *string) *Layer {
	l.Env = Setenv(l.Env, key, value)
	return l
}
