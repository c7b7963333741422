package runcontext

import "fmt"

// PodmanVariant distinguishes the label-selected podman container
// flavors that change how podman-exec builds its argv (spec §4.3's
// podman-exec row: "--user/--workdir only for toolbox/distrobox
// variants").
type PodmanVariant int

const (
	PodmanGeneric PodmanVariant = iota
	PodmanToolbox
	PodmanDistrobox
)

// PodmanExecOptions configures NewPodmanExecLayer.
type PodmanExecOptions struct {
	// ContainerID (or name) to exec into.
	ContainerID string
	// Variant selects whether --user/--workdir are emitted.
	Variant PodmanVariant
	// User runs the exec'd command as this user inside the container,
	// only honored for the toolbox/distrobox variants.
	User string
}

// NewPodmanExecLayer returns a layer whose handler rewrites its own
// accumulated argv/env/cwd into a `podman exec` invocation against an
// already-running container, depositing the result onto target
// (grounded on the teacher's buildBasePodmanArgs/addContainerVolumesAndEnv
// in provider/podman/podman_exec.go, generalized from run to exec since
// the agent always execs into a container the provider already started).
// Matches spec §4.3's podman-exec row: always --privileged --interactive;
// --tty iff any fd-map entry for stdin/stdout/stderr is a tty;
// --user/--workdir only for toolbox/distrobox; --preserve-fds=N when the
// fd-map carries extra fds beyond 0-2; --detach-keys= when the podman on
// PATH is new enough. Env rides along as --env= flags (reaches the
// exec'd process even when its entrypoint is not a shell) and the
// command itself is still run through a bare `env` per spec §8 scenario
// 4, matching toolbox's own internal exec wrapper.
//
// The caller sets the real argv/env/cwd/fds this handler acts on directly
// on this same layer (via SetArgv/SetCwd/Setenv/FDs.Take) before pushing
// it — this is typically the innermost container-specific layer, so
// there is nothing upstream to have deposited content into it yet.
func NewPodmanExecLayer(opts PodmanExecOptions) *Layer {
	l := NewLayer("podman-exec")
	l.Handler = func(self, target *Layer, ctx *Context) error {
		if err := target.FDs.StealFrom(self.FDs); err != nil {
			return err
		}

		argv := []string{"podman", "exec", "--privileged", "--interactive"}
		if target.FDs.StdinIsTTY() || target.FDs.StdoutIsTTY() || target.FDs.StderrIsTTY() {
			argv = append(argv, "--tty")
		}
		if opts.Variant == PodmanToolbox || opts.Variant == PodmanDistrobox {
			if opts.User != "" {
				argv = append(argv, "--user="+opts.User)
			}
			if self.HasCwd {
				argv = append(argv, "--workdir="+self.Cwd)
			}
		}
		if n := target.FDs.MaxDestFD() - 2; n > 0 {
			argv = append(argv, fmt.Sprintf("--preserve-fds=%d", n))
		}
		if podmanSupportsDetachKeys() {
			argv = append(argv, "--detach-keys=")
		}
		for _, kv := range sortEnv(self.Env) {
			argv = append(argv, "--env="+kv)
		}
		argv = append(argv, opts.ContainerID, "env")
		argv = append(argv, self.Argv...)

		target.Argv = argv
		target.Env = nil
		target.HasCwd = false
		target.Cwd = ""
		return nil
	}
	return l
}

// DistroboxOptions configures NewDistroboxEnterLayer.
type DistroboxOptions struct {
	// Name of the distrobox container to enter.
	Name string
}

// NewDistroboxEnterLayer returns a layer whose handler matches spec
// §4.3's distrobox-enter row: `distrobox enter --no-tty <name>
// --additional-flags "--tty [--preserve-fds=N] " -- env [--chdir=<cwd>]
// <env…> <argv…>`, reading its own accumulated argv/env/cwd/fds (set
// directly on this same layer before Push, for the same reason as
// NewPodmanExecLayer above) and depositing the result onto target. HOME
// and USER are left for the caller's HOME-null override layer to strip
// afterward so the container's own home takes over — this layer only
// builds the argv, it does not touch HOME/USER itself.
func NewDistroboxEnterLayer(opts DistroboxOptions) *Layer {
	l := NewLayer("distrobox-enter")
	l.Handler = func(self, target *Layer, ctx *Context) error {
		if err := target.FDs.StealFrom(self.FDs); err != nil {
			return err
		}

		innerFlags := "--tty "
		if n := target.FDs.MaxDestFD() - 2; n > 0 {
			innerFlags += fmt.Sprintf("--preserve-fds=%d ", n)
		}

		argv := []string{"distrobox", "enter", "--no-tty", opts.Name}
		argv = append(argv, "--additional-flags", innerFlags)
		argv = append(argv, "--", "env")
		if self.HasCwd {
			argv = append(argv, "--chdir="+self.Cwd)
		}
		argv = append(argv, sortEnv(self.Env)...)
		argv = append(argv, self.Argv...)

		target.Argv = argv
		target.Env = nil
		target.HasCwd = false
		target.Cwd = ""
		return nil
	}
	return l
}
