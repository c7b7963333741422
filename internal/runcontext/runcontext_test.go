package runcontext

import (
	"errors"
	"testing"

	"github.com/jedi4ever/addt/internal/ptyfactory"
	"github.com/jedi4ever/addt/internal/util"
	"golang.org/x/sys/unix"
)

func TestShellLayerWrapsArgvWithEnv(t *testing.T) {
	ctx := New()

	shell := NewShellLayer(ShellLogin)
	shell.SetArgv([]string{"ls", "-la"})
	foo := "bar"
	shell.Setenv("FOO", &foo)
	ctx.Push(shell)

	root := ctx.layers[len(ctx.layers)-1]
	shellLayer := ctx.layers[0]

	if err := ctx.fold(shellLayer, root); err != nil {
		t.Fatalf("fold shell into root: %v", err)
	}

	if len(root.Argv) != 4 {
		t.Fatalf("expected 4-element argv, got %v", root.Argv)
	}
	if root.Argv[0] != "/bin/sh" || root.Argv[1] != "-l" || root.Argv[2] != "-c" {
		t.Fatalf("unexpected shell invocation: %v", root.Argv)
	}
	want := "env 'FOO=bar' 'ls' '-la'"
	if root.Argv[3] != want {
		t.Fatalf("command = %q, want %q", root.Argv[3], want)
	}
}

func TestSpawnFailsOnSecondCall(t *testing.T) {
	ctx := New()
	ctx.Push(NewLayer("base").SetArgv([]string{"/bin/true"}))
	if _, err := ctx.Spawn(); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := ctx.Spawn(); !errors.Is(err, util.ErrInvalidArgument) {
		t.Fatalf("second spawn error = %v, want ErrInvalidArgument", err)
	}
}

func TestFDMapMergeCollisionFailsFold(t *testing.T) {
	ctx := New()
	a := NewLayer("a")
	a.FDs.Take(10, 1)
	ctx.Push(a)

	b := NewLayer("b")
	b.FDs.Take(11, 1)
	ctx.Push(b)

	if _, err := ctx.Spawn(); !errors.Is(err, util.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument on dest=1 collision, got %v", err)
	}
}

func TestFDMapMergeDisjointSucceeds(t *testing.T) {
	ctx := New()
	a := NewLayer("a")
	a.FDs.Take(10, 1)
	ctx.Push(a)

	b := NewLayer("b")
	b.FDs.Take(11, 2)
	ctx.Push(b)
	ctx.Push(NewLayer("base").SetArgv([]string{"/bin/true"}))

	// Fold manually instead of Spawn so we can inspect the fd map without
	// also needing /bin/true to exist in the test sandbox.
	for len(ctx.layers) > 1 {
		self := ctx.layers[0]
		target := ctx.layers[1]
		if err := ctx.fold(self, target); err != nil {
			t.Fatalf("fold: %v", err)
		}
		ctx.layers = ctx.layers[1:]
	}
	if ctx.layers[0].FDs.Len() != 2 {
		t.Fatalf("expected 2 fd-map entries after disjoint merge, got %d", ctx.layers[0].FDs.Len())
	}
}

func TestDeferredErrorFailsSpawn(t *testing.T) {
	ctx := New()
	wantErr := errors.New("boom")
	ctx.PushError(wantErr)
	ctx.Push(NewLayer("base").SetArgv([]string{"/bin/true"}))

	if _, err := ctx.Spawn(); !errors.Is(err, wantErr) {
		t.Fatalf("spawn error = %v, want %v", err, wantErr)
	}
}

func TestHostLayerNoOpWhenNotSandboxed(t *testing.T) {
	if IsSandboxed() {
		t.Skip("test process is itself sandboxed")
	}

	ctx := New()
	host := NewHostLayer()
	host.SetArgv([]string{"ls", "-la"})
	ctx.Push(host)

	root := ctx.layers[len(ctx.layers)-1]
	hostLayer := ctx.layers[0]

	if err := ctx.fold(hostLayer, root); err != nil {
		t.Fatalf("fold host into root: %v", err)
	}

	if len(root.Argv) != 2 || root.Argv[0] != "ls" {
		t.Fatalf("expected no-op argv [ls -la], got %v", root.Argv)
	}
	if !ctx.setupTTY {
		t.Fatalf("setupTTY should remain true when not sandboxed")
	}
}

func TestPodmanExecLayerScenario(t *testing.T) {
	consumer, err := ptyfactory.NewConsumer()
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer unix.Close(consumer)
	producer, err := ptyfactory.NewProducer(consumer)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer unix.Close(producer)

	ctx := New()
	execLayer := NewPodmanExecLayer(PodmanExecOptions{
		ContainerID: "deadbeef",
		Variant:     PodmanToolbox,
		User:        "alice",
	})
	execLayer.SetArgv([]string{"ls"}).SetCwd("/home/alice")
	execLayer.FDs.Take(producer, unix.Stdout)
	ctx.Push(execLayer)

	root := ctx.layers[len(ctx.layers)-1]
	head := ctx.layers[0]

	if err := ctx.fold(head, root); err != nil {
		t.Fatalf("fold podman-exec into root: %v", err)
	}

	argv := root.Argv
	if argv[0] != "podman" || argv[1] != "exec" {
		t.Fatalf("unexpected argv head: %v", argv)
	}
	last := argv[len(argv)-2:]
	if last[0] != "env" || last[1] != "ls" {
		t.Fatalf("expected trailing 'env ls', got %v", last)
	}
	found := map[string]bool{}
	for _, a := range argv {
		switch a {
		case "--privileged", "--interactive", "--tty", "--user=alice", "--workdir=/home/alice", "deadbeef":
			found[a] = true
		}
	}
	for _, want := range []string{"--privileged", "--interactive", "--tty", "--user=alice", "--workdir=/home/alice", "deadbeef"} {
		if !found[want] {
			t.Fatalf("argv missing %q: %v", want, argv)
		}
	}
}

func TestDistroboxEnterLayer(t *testing.T) {
	ctx := New()
	enterLayer := NewDistroboxEnterLayer(DistroboxOptions{Name: "my-box"})
	enterLayer.SetArgv([]string{"bash"}).SetCwd("/home/alice")
	ctx.Push(enterLayer)

	root := ctx.layers[len(ctx.layers)-1]
	head := ctx.layers[0]

	if err := ctx.fold(head, root); err != nil {
		t.Fatalf("fold distrobox-enter into root: %v", err)
	}

	argv := root.Argv
	if argv[0] != "distrobox" || argv[1] != "enter" || argv[2] != "--no-tty" || argv[3] != "my-box" {
		t.Fatalf("unexpected argv head: %v", argv)
	}
	foundEnv := false
	foundChdir := false
	for _, a := range argv {
		if a == "env" {
			foundEnv = true
		}
		if a == "--chdir=/home/alice" {
			foundChdir = true
		}
	}
	if !foundEnv {
		t.Fatalf("expected bare env token in argv: %v", argv)
	}
	if !foundChdir {
		t.Fatalf("expected --chdir=/home/alice in argv: %v", argv)
	}
	if argv[len(argv)-1] != "bash" {
		t.Fatalf("expected trailing argv element 'bash', got %v", argv)
	}
}

func TestScopeLayerNoOpWhenUnsupported(t *testing.T) {
	ctx := New()
	scope := NewScopeLayer()
	scope.SetArgv([]string{"bash"})
	ctx.Push(scope)

	root := ctx.layers[len(ctx.layers)-1]
	scopeLayer := ctx.layers[0]

	if err := ctx.fold(scopeLayer, root); err != nil {
		t.Fatalf("fold scope into root: %v", err)
	}

	if systemdRunSupportsScope() {
		if root.Argv[0] != "systemd-run" {
			t.Fatalf("expected systemd-run prefix when supported, got %v", root.Argv)
		}
	} else if len(root.Argv) != 1 || root.Argv[0] != "bash" {
		t.Fatalf("expected no-op argv [bash] when unsupported, got %v", root.Argv)
	}
}

func TestPodmanExecThenHostComposes(t *testing.T) {
	if IsSandboxed() {
		t.Skip("test process is itself sandboxed")
	}

	ctx := New()
	execLayer := NewPodmanExecLayer(PodmanExecOptions{ContainerID: "deadbeef", Variant: PodmanGeneric})
	execLayer.SetArgv([]string{"ls"})
	ctx.Push(execLayer)
	ctx.PushAtBase(NewHostLayer())

	for len(ctx.layers) > 1 {
		self := ctx.layers[0]
		target := ctx.layers[1]
		if err := ctx.fold(self, target); err != nil {
			t.Fatalf("fold: %v", err)
		}
		ctx.layers = ctx.layers[1:]
	}
	root := ctx.layers[0]

	// Not sandboxed, so the host layer is a no-op relay: the final argv
	// should still be the podman-exec invocation unchanged.
	if root.Argv[0] != "podman" || root.Argv[1] != "exec" {
		t.Fatalf("expected podman exec to survive the host relay, got %v", root.Argv)
	}
}
