// Command agent is the terminal container agent's entry point: it parses
// --socket-fd=FD, wires the Agent Root, Podman Provider, and IPC
// Transport together, and then blocks while the transport's read loop,
// the provider's watch loop and debounce timer, and the per-process wait
// goroutines do the work.
// Grounded on the teacher's main.go (flat, minimal entry point calling
// into internal packages) and util/cleanup.go's signal-driven shutdown.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/jedi4ever/addt/internal/agent"
	"github.com/jedi4ever/addt/internal/container"
	"github.com/jedi4ever/addt/internal/ipc"
	"github.com/jedi4ever/addt/internal/podmanprovider"
	"github.com/jedi4ever/addt/internal/process"
	"github.com/jedi4ever/addt/internal/util"
)

const appID = "addt"

var logger = util.Log("agent-main")

func main() {
	socketFD := flag.Int("socket-fd", -1, "inherited socket file descriptor (must be > 2)")
	flag.Parse()

	transport, err := ipc.FromSocketFD(*socketFD)
	if err != nil {
		logger.Error("fatal: %v", err)
		os.Exit(1)
	}
	util.SetupCleanup(func() {
		if err := transport.Close(); err != nil {
			logger.Warning("close transport on shutdown: %v", err)
		}
	})

	if err := run(transport); err != nil {
		logger.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run(transport *ipc.Transport) error {
	defer transport.Close()

	var a *agent.Agent

	exported := map[string]bool{}
	exportContainer := func(objectPath string, c *container.Container) {
		if exported[objectPath] {
			return
		}
		methods := containerMethodTable(a, transport, c, objectPath)
		if err := transport.ExportMethodTable(methods, dbus.ObjectPath(objectPath), "org."+appID+".Container1"); err != nil {
			logger.Warning("export container %s at %s: %v", c.ID, objectPath, err)
			return
		}
		exported[objectPath] = true
	}

	a = agent.New(appID, func(ev agent.ContainerChangeEvent) {
		for _, p := range ev.AddedObjectPaths {
			if c, ok := a.ContainerByObjectPath(p); ok {
				exportContainer(p, c)
			}
		}
		emitContainersChanged(transport, ev)
	}, func(objectPath string, ev process.ExitEvent) {
		emitProcessExited(transport, objectPath, ev)
	})

	// The synthetic session container is always present; export it before
	// the gate opens so the client's first list_containers can dispatch
	// against it immediately. This call is purely for export bootstrap —
	// the real has_listed-gating call is whatever the client issues over
	// ListContainers once the transport starts.
	for _, path := range a.ExportedObjectPaths() {
		if c, ok := a.ContainerByObjectPath(path); ok {
			exportContainer(path, c)
		}
	}

	if err := transport.ExportMethodTable(agentMethodTable(a), "/org/"+appID+"/Agent", "org."+appID+".Agent1"); err != nil {
		return fmt.Errorf("agent: export agent root: %w", err)
	}

	xdgDataHome := os.Getenv("XDG_DATA_HOME")
	if xdgDataHome == "" {
		home, _ := os.UserHomeDir()
		xdgDataHome = filepath.Join(home, ".local", "share")
	}

	provider, err := podmanprovider.New(xdgDataHome, func(events []podmanprovider.ChangeEvent) {
		// Provider positions index the provider's own list; the Agent's
		// list holds the session container at index 0 ahead of it.
		shifted := make([]podmanprovider.ChangeEvent, len(events))
		for i, ev := range events {
			ev.Position++
			shifted[i] = ev
		}
		a.AttachProvider(shifted)
		// Export every container now in the set, including those added
		// before the client's first list_containers, for which no change
		// event fires.
		for _, path := range a.ExportedObjectPaths() {
			if c, ok := a.ContainerByObjectPath(path); ok {
				exportContainer(path, c)
			}
		}
	})
	if err != nil {
		logger.Warning("podman provider unavailable: %v", err)
	} else {
		if err := provider.Start(); err != nil {
			logger.Warning("initial podman refresh failed: %v", err)
		}
		defer provider.Stop()
	}

	transport.Start()

	select {}
}

func agentMethodTable(a *agent.Agent) map[string]interface{} {
	return map[string]interface{}{
		"ListContainers": func() ([]dbus.ObjectPath, *dbus.Error) {
			paths := a.ListContainers()
			out := make([]dbus.ObjectPath, len(paths))
			for i, p := range paths {
				out[i] = dbus.ObjectPath(p)
			}
			return out, nil
		},
		"CreatePty": func() (dbus.UnixFD, *dbus.Error) {
			fd, err := a.CreatePTY()
			if err != nil {
				return 0, dbus.MakeFailedError(err)
			}
			return dbus.UnixFD(fd), nil
		},
		"CreatePtyProducer": func(consumer dbus.UnixFD) (dbus.UnixFD, *dbus.Error) {
			fd, err := a.CreatePTYProducer(int(consumer))
			if err != nil {
				return 0, dbus.MakeFailedError(err)
			}
			return dbus.UnixFD(fd), nil
		},
		"GetPreferredShell": func() (string, *dbus.Error) {
			return a.GetPreferredShell(), nil
		},
		"DiscoverCurrentContainer": func(ptyFD dbus.UnixFD) (dbus.ObjectPath, *dbus.Error) {
			return dbus.ObjectPath(a.DiscoverCurrentContainer(int(ptyFD))), nil
		},
	}
}

func containerMethodTable(a *agent.Agent, transport *ipc.Transport, c *container.Container, objectPath string) map[string]interface{} {
	return map[string]interface{}{
		"Spawn": func(cwd string, argv []string, fds ipc.FDDict, env ipc.EnvDict) (dbus.ObjectPath, *dbus.Error) {
			procPath := a.NextProcessObjectPath()
			req := container.SpawnRequest{Cwd: cwd, Argv: argv, Env: env, FDs: fds.ToFDMap()}
			p, err := c.Spawn(req, procPath, func(p *process.Process, ev process.ExitEvent) {
				if err := transport.Unexport(dbus.ObjectPath(p.ObjectPath())); err != nil {
					logger.Warning("unexport %s: %v", p.ObjectPath(), err)
				}
				a.NotifyProcessExited(p.ObjectPath(), ev)
			})
			if err != nil {
				return "", dbus.MakeFailedError(err)
			}
			if err := transport.ExportMethodTable(processMethodTable(p), dbus.ObjectPath(procPath), "org."+appID+".Process1"); err != nil {
				logger.Warning("export process %s: %v", procPath, err)
			}
			return dbus.ObjectPath(procPath), nil
		},
		"FindProgramInPath": func(program string) (string, *dbus.Error) {
			path, err := c.FindProgramInPath(program)
			if err != nil {
				return "", dbus.MakeFailedError(err)
			}
			return path, nil
		},
		"TranslateUri": func(uri string) (string, *dbus.Error) {
			return c.TranslateURI(uri), nil
		},
	}
}

func processMethodTable(p *process.Process) map[string]interface{} {
	return map[string]interface{}{
		"SendSignal": func(signum int32) *dbus.Error {
			if err := p.SendSignal(signalFromInt(signum)); err != nil {
				return dbus.MakeFailedError(err)
			}
			return nil
		},
		"HasForegroundProcess": func(ptyFD dbus.UnixFD) (bool, int32, string, string, *dbus.Error) {
			hasFG, pid, cmdline, kind, err := p.HasForegroundProcess(int(ptyFD))
			if err != nil {
				return false, 0, "", "", dbus.MakeFailedError(err)
			}
			return hasFG, int32(pid), cmdline, string(kind), nil
		},
		"GetWorkingDirectory": func(ptyFD dbus.UnixFD) (string, *dbus.Error) {
			return p.GetWorkingDirectory(int(ptyFD)), nil
		},
	}
}

func signalFromInt(signum int32) syscall.Signal {
	return syscall.Signal(signum)
}

func emitContainersChanged(transport *ipc.Transport, ev agent.ContainerChangeEvent) {
	paths := make([]dbus.ObjectPath, len(ev.AddedObjectPaths))
	for i, p := range ev.AddedObjectPaths {
		paths[i] = dbus.ObjectPath(p)
	}
	if err := transport.Emit("/org/"+appID+"/Agent", "org."+appID+".Agent1.ContainersChanged", int32(ev.Position), int32(ev.RemovedCount), paths); err != nil {
		logger.Warning("emit containers_changed: %v", err)
	}
}

func emitProcessExited(transport *ipc.Transport, objectPath string, ev process.ExitEvent) {
	if ev.Signaled {
		if err := transport.Emit(dbus.ObjectPath(objectPath), "org."+appID+".Process1.Signaled", int32(ev.Signal)); err != nil {
			logger.Warning("emit signaled: %v", err)
		}
		return
	}
	if err := transport.Emit(dbus.ObjectPath(objectPath), "org."+appID+".Process1.Exited", int32(ev.ExitCode)); err != nil {
		logger.Warning("emit exited: %v", err)
	}
}
