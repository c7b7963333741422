package runcontext

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jedi4ever/addt/internal/util"
)

// Spawn consumes the Run Context: it folds every layer into the root, then
// launches the composed command. A Run Context is single-use; calling
// Spawn twice fails.
func (c *Context) Spawn() (*exec.Cmd, error) {
	if c.ended {
		return nil, fmt.Errorf("runcontext: spawn called on an already-ended context: %w", util.ErrInvalidArgument)
	}
	c.ended = true

	for len(c.layers) > 1 {
		self := c.layers[0]
		target := c.layers[1]
		if err := c.fold(self, target); err != nil {
			return nil, err
		}
		c.layers = c.layers[1:]
	}

	root := c.layers[0]
	return finalSpawn(root, c.setupTTY)
}

// finalSpawn implements spec §4.3's "Final spawn step": extract argv/env/
// cwd from the root, attach the fd-map entries, install the pre-exec child
// setup, and launch.
func finalSpawn(root *Layer, setupTTY bool) (*exec.Cmd, error) {
	if len(root.Argv) == 0 {
		return nil, fmt.Errorf("runcontext: empty command at spawn: %w", util.ErrInvalidArgument)
	}

	cmd := exec.Command(root.Argv[0], root.Argv[1:]...)
	if root.HasCwd {
		cmd.Dir = root.Cwd
	}
	// The podman-exec, distrobox-enter, shell and sandboxed host layers
	// leave root.Env empty: they carry env as "--env=" flags or an
	// "env K=V..." prefix, and the outer command inherits the agent's own
	// environment (exec.Cmd's nil-Env behavior). Layers that relay env
	// as-is (scope, plain layers, the unsandboxed host relay) leave it in
	// root.Env, and it is then appended to the agent's own environment.
	if len(root.Env) > 0 {
		cmd.Env = append(os.Environ(), root.Env...)
	}

	stdin, silenceStdout, silenceStderr, err := attachFDs(cmd, root.FDs)
	if err != nil {
		return nil, err
	}

	// setsid alone also makes the child its own process-group leader; a
	// following setpgid would fail with EPERM on the new session leader
	// and abort the start.
	attr := &syscall.SysProcAttr{
		Setsid: true,
	}
	setPdeathsig(attr)
	if setupTTY && stdin != nil && isTTYFd(int(stdin.Fd())) {
		attr.Setctty = true
		attr.Ctty = 0
	}
	cmd.SysProcAttr = attr

	_ = silenceStdout
	_ = silenceStderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runcontext: start: %w", err)
	}
	return cmd, nil
}

func isTTYFd(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}
