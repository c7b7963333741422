package runcontext

import (
	"fmt"

	"github.com/jedi4ever/addt/internal/util"
)

// ShellKind selects how the shell layer invokes /bin/sh (spec §4.3,
// "shell(kind)").
type ShellKind int

const (
	// ShellPlain runs the composed command directly via `sh -c`.
	ShellPlain ShellKind = iota
	// ShellLogin adds `-l` so /etc/profile and friends are sourced.
	ShellLogin
	// ShellInteractive adds `-i`, used when the caller wants job-control
	// niceties from an interactive shell wrapping a non-interactive command.
	ShellInteractive
)

// NewShellLayer returns a layer whose handler, when folded, quotes its
// own accumulated argv/env into a single `/bin/sh [-l|-i] -c '<command>'`
// invocation deposited onto target. Per spec §4.3's fold-order rule ("each
// handler ... deposit[s] its transformed command into the next layer"),
// the handler reads from self — so the caller sets the real argv/env
// directly on the layer this function returns (via SetArgv/Setenv)
// before pushing it, exactly matching §8's testable shell(LOGIN)
// property: pushing shell(LOGIN) over argv=[ls,-la], env=[FOO=bar]
// yields `/bin/sh -l -c "env 'FOO=bar' 'ls' '-la'"`.
func NewShellLayer(kind ShellKind) *Layer {
	l := NewLayer("shell")
	l.Handler = func(self, target *Layer, ctx *Context) error {
		if err := target.FDs.StealFrom(self.FDs); err != nil {
			return err
		}
		if err := propagateCwd(self, target); err != nil {
			return err
		}

		cmdStr := buildShellCommand(self.Env, self.Argv)

		argv := []string{"/bin/sh"}
		switch kind {
		case ShellLogin:
			argv = append(argv, "-l")
		case ShellInteractive:
			argv = append(argv, "-i")
		}
		argv = append(argv, "-c", cmdStr)

		target.Argv = argv
		return nil
	}
	return l
}

// propagateCwd carries self's cwd onto target, refusing the fold if
// target already has a conflicting one (the same rule defaultFold
// applies, reused here so every custom handler honors it identically).
func propagateCwd(self, target *Layer) error {
	if !self.HasCwd {
		return nil
	}
	if target.HasCwd && target.Cwd != self.Cwd {
		return fmt.Errorf("runcontext: conflicting cwd %q vs %q: %w", self.Cwd, target.Cwd, util.ErrInvalidArgument)
	}
	target.Cwd = self.Cwd
	target.HasCwd = true
	return nil
}
