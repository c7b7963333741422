package runcontext

import (
	"fmt"

	"github.com/jedi4ever/addt/internal/util"
)

var logger = util.Log("runcontext")

// Context is a single-use stack of layers. The head (index 0) is the
// current/outermost layer; the last element is the distinguished root.
type Context struct {
	layers   []*Layer
	ended    bool
	setupTTY bool
}

// New returns a fresh Run Context containing only the root layer.
func New() *Context {
	return &Context{
		layers:   []*Layer{NewRootLayer()},
		setupTTY: true,
	}
}

// Push adds a layer at the head (outermost position).
func (c *Context) Push(l *Layer) {
	c.layers = append([]*Layer{l}, c.layers...)
}

// PushAtBase inserts a layer just before the root layer.
func (c *Context) PushAtBase(l *Layer) {
	n := len(c.layers)
	base := append([]*Layer{}, c.layers[:n-1]...)
	base = append(base, l)
	c.layers = append(base, c.layers[n-1])
}

// PushError is shorthand for Push(NewErrorLayer(err)).
func (c *Context) PushError(err error) {
	c.Push(NewErrorLayer(err))
}

// Ended reports whether Spawn has already consumed this context.
func (c *Context) Ended() bool {
	return c.ended
}

// Root exposes the final (root) layer for read-only inspection in tests;
// it is only meaningful before Spawn is called on a context whose layers
// have not yet been folded.
func (c *Context) Root() *Layer {
	return c.layers[len(c.layers)-1]
}

// defaultFold implements the "default (no handler)" layer's fold rule from
// spec §4.3: merge FDs, refuse to fold on a conflicting cwd, and either
// merge self's env into target or emit "env K=V... argv..." onto target's
// argv depending on whether self carries an argv.
func defaultFold(self, target *Layer) error {
	if err := target.FDs.StealFrom(self.FDs); err != nil {
		return err
	}
	if self.HasCwd {
		if target.HasCwd && target.Cwd != self.Cwd {
			return fmt.Errorf("runcontext: conflicting cwd %q vs %q: %w", self.Cwd, target.Cwd, util.ErrInvalidArgument)
		}
		target.Cwd = self.Cwd
		target.HasCwd = true
	}
	if len(self.Argv) == 0 {
		for _, kv := range self.Env {
			k := envKey(kv)
			v := kv[len(k)+1:]
			target.Env = Setenv(target.Env, k, &v)
		}
		return nil
	}
	wrapped := withEnvPrefix(self.Env, self.Argv)
	target.Argv = append(wrapped, target.Argv...)
	return nil
}

// fold processes one (self, target) pair, using the layer's own handler if
// present or defaultFold otherwise.
func (c *Context) fold(self, target *Layer) error {
	if self.DeferredErr != nil {
		return self.DeferredErr
	}
	if self.Handler != nil {
		return self.Handler(self, target, c)
	}
	return defaultFold(self, target)
}
