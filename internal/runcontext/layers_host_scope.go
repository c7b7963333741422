package runcontext

import "fmt"

// allowedHostEnv lists the env vars the host layer is permitted to carry
// across the sandbox boundary explicitly, per spec §4.3's host layer row
// ("forwards the allowed env"). Anything else in self.Env does not survive
// the flatpak-spawn hop: the portal spawns the host process with its own
// minimal environment, so passing every variable through would silently
// leak the agent's sandboxed env into host processes.
var allowedHostEnv = []string{"DBUS_SESSION_BUS_ADDRESS"}

// NewHostLayer returns a layer whose handler, when the agent itself is
// running inside a sandbox (spec §9, detected once via IsSandboxed),
// rewrites self's own accumulated argv/env/cwd into a command that runs
// on the host through `flatpak-spawn --host --watch-bus`, depositing the
// result onto target. `--watch-bus` has flatpak-spawn kill the spawned
// process if the agent's own session bus connection drops. cwd is
// translated to `--directory=`, since flatpak-spawn runs the host process
// with its own cwd, not the sandboxed one; fd-map entries with dest >= 3
// get a matching `--forward-fd=<dest>`. Since flatpak-spawn itself
// becomes the immediate child, the agent must not try to grant the real
// leaf process a controlling terminal through it; the handler disables
// setupTTY on the context. Outside a sandbox the layer just relays self
// onto target unchanged: the agent is already running on the host, so
// nothing needs spawning through a helper.
//
// Like every wrapper layer here, the real argv/env/cwd this layer acts on
// is whatever is already accumulated on self when it is folded — either
// set directly on this same layer by the caller before Push, or deposited
// by an earlier layer's handler writing into this one as its target (see
// Context.Spawn in spawn.go, whose fold loop makes each fold's target the
// next round's self). That is what lets host compose on top of, say, a podman-exec
// layer: podman-exec's handler runs first and writes its own wrapped
// command into this layer; this handler then reads that back out of self
// and wraps it again.
func NewHostLayer() *Layer {
	l := NewLayer("host")
	l.Handler = func(self, target *Layer, ctx *Context) error {
		if err := target.FDs.StealFrom(self.FDs); err != nil {
			return err
		}
		if !IsSandboxed() {
			target.Argv = self.Argv
			target.Env = mergeEnv(target.Env, self.Env)
			return propagateCwd(self, target)
		}

		argv := []string{"flatpak-spawn", "--host", "--watch-bus"}

		for _, key := range allowedHostEnv {
			if v, ok := lookupEnv(self.Env, key); ok {
				argv = append(argv, "--env="+key+"="+v)
			}
		}
		if self.HasCwd {
			argv = append(argv, "--directory="+self.Cwd)
		}
		for _, e := range target.FDs.Entries() {
			if e.Dest >= 3 {
				argv = append(argv, fmt.Sprintf("--forward-fd=%d", e.Dest))
			}
		}

		argv = append(argv, self.Argv...)

		target.Argv = argv
		target.Env = nil
		target.HasCwd = false
		target.Cwd = ""
		ctx.setupTTY = false
		return nil
	}
	return l
}

// NewScopeLayer returns a layer whose handler places self's accumulated
// command in its own systemd transient scope via `systemd-run --user
// --scope --collect --quiet --same-dir`, so the terminal's process tree
// survives the agent dying and is cleaned up by systemd once empty.
// `--same-dir` has systemd-run inherit the caller's cwd rather than
// defaulting to root's home, so self's cwd still applies without extra
// handling here. Falls back to relaying self straight onto target if the
// systemd-run on PATH predates scope support (cached via
// systemdRunSupportsScope). Unlike the container-exec layers, env is
// relayed as-is rather than turned into flags: systemd-run is a direct
// child of the agent, so it inherits the process environment exec.Cmd
// sets up at the final spawn step without needing explicit flags.
func NewScopeLayer() *Layer {
	l := NewLayer("scope")
	l.Handler = func(self, target *Layer, ctx *Context) error {
		if err := target.FDs.StealFrom(self.FDs); err != nil {
			return err
		}
		if err := propagateCwd(self, target); err != nil {
			return err
		}
		target.Env = mergeEnv(target.Env, self.Env)

		if !systemdRunSupportsScope() {
			target.Argv = self.Argv
			return nil
		}

		argv := []string{"systemd-run", "--user", "--scope", "--collect", "--quiet", "--same-dir"}
		argv = append(argv, self.Argv...)
		target.Argv = argv
		return nil
	}
	return l
}
