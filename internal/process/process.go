// Package process implements the Process component (spec §4.6): a thin
// wrapper around a spawned *exec.Cmd that runs an asynchronous wait,
// reports exactly one terminal event, and answers foreground-process and
// working-directory queries used by the terminal UI to decide whether a
// tab can be closed without confirmation. Grounded on the teacher's
// subprocess helpers in provider/command.go (exec.Command + cached
// process-wide state pattern) and util/logger.go for the module logger.
package process

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/jedi4ever/addt/internal/util"
)

var logger = util.Log("process")

// LeaderKind classifies the foreground process of a pty (spec §4.4's
// "Leader-kind classification table" and glossary entry).
type LeaderKind string

const (
	LeaderContainer  LeaderKind = "container"
	LeaderRemote     LeaderKind = "remote"
	LeaderSuperuser  LeaderKind = "superuser"
	LeaderUnknown    LeaderKind = "unknown"
)

// classificationTable is the static executable-basename → kind lookup
// from spec §4.4. It never changes at runtime, so it is a package-level
// value rather than something threaded through every call.
var classificationTable = map[string]LeaderKind{
	"docker":   LeaderContainer,
	"flatpak":  LeaderContainer,
	"podman":   LeaderContainer,
	"toolbox":  LeaderContainer,
	"ssh":      LeaderRemote,
	"scp":      LeaderRemote,
	"sftp":     LeaderRemote,
	"slogin":   LeaderRemote,
	"rlogin":   LeaderRemote,
	"telnet":   LeaderRemote,
	"mosh":     LeaderRemote,
	"mosh-client": LeaderRemote,
}

// ClassifyExe returns the leader kind for an executable's basename,
// without consulting /proc owner information.
func ClassifyExe(basename string) LeaderKind {
	if kind, ok := classificationTable[basename]; ok {
		return kind
	}
	return LeaderUnknown
}

// ExitEvent is the single terminal event a Process reports over its
// lifetime: exactly one of Signaled or (implicitly) exited.
type ExitEvent struct {
	Signaled bool
	Signal   syscall.Signal
	ExitCode int
}

// Process wraps one spawned subprocess (spec §4.6).
type Process struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	objectPath string
	exited     bool
}

// New records cmd (already started by runcontext.Spawn) and launches the
// asynchronous wait. onExit is invoked exactly once, from a background
// goroutine, with the terminal event; the caller uses it to emit the
// exited/signaled IPC signal and unexport the object.
func New(cmd *exec.Cmd, objectPath string, onExit func(*Process, ExitEvent)) *Process {
	p := &Process{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		objectPath: objectPath,
	}
	go p.wait(onExit)
	return p
}

func (p *Process) wait(onExit func(*Process, ExitEvent)) {
	err := p.cmd.Wait()

	var ev ExitEvent
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				ev.Signaled = true
				ev.Signal = ws.Signal()
			} else {
				ev.ExitCode = ws.ExitStatus()
			}
		} else {
			ev.ExitCode = exitErr.ExitCode()
		}
	} else if err != nil {
		logger.Warningf("wait on pid %d: %v", p.pid, err)
		ev.ExitCode = -1
	}

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	logger.Debugf("process %d (%s) terminated: %+v", p.pid, p.objectPath, ev)
	if onExit != nil {
		onExit(p, ev)
	}
}

// ObjectPath returns the IPC object path this Process is exported under.
func (p *Process) ObjectPath() string {
	return p.objectPath
}

// Pid returns the subprocess's pid.
func (p *Process) Pid() int {
	return p.pid
}

// SendSignal delivers signum to the subprocess if it is still live;
// replies with success even if the process has already exited (spec
// §4.6).
func (p *Process) SendSignal(signum syscall.Signal) error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return nil
	}
	if err := p.cmd.Process.Signal(signum); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return fmt.Errorf("process: send_signal(%d) on pid %d: %w", signum, p.pid, err)
	}
	return nil
}

// HasForegroundProcess implements spec §4.6's has_foreground_process:
// tcgetpgrp on ptyFD, compare against self's pid, and, whenever the
// foreground pid is positive, read its cmdline and classify it.
func (p *Process) HasForegroundProcess(ptyFD int) (hasFG bool, pid int, cmdline string, kind LeaderKind, err error) {
	fgpid, err := unix.IoctlGetInt(ptyFD, unix.TIOCGPGRP)
	if err != nil {
		return false, 0, "", LeaderUnknown, fmt.Errorf("process: tcgetpgrp: %w", err)
	}

	hasFG = fgpid != p.pid
	if fgpid <= 0 {
		return hasFG, fgpid, "", LeaderUnknown, nil
	}

	cmdline = readCmdline(fgpid)
	kind = classifyPid(fgpid)
	return hasFG, fgpid, cmdline, kind, nil
}

// GetWorkingDirectory implements spec §4.6's get_working_directory:
// resolve the foreground pid via tcgetpgrp on ptyFD (falling back to
// self.pid when ptyFD < 0), then readlink /proc/<pid>/cwd. Any failure
// degrades to "/" rather than propagating an error, since this is used
// for best-effort tab titling.
func (p *Process) GetWorkingDirectory(ptyFD int) string {
	pid := p.pid
	if ptyFD >= 0 {
		if fgpid, err := unix.IoctlGetInt(ptyFD, unix.TIOCGPGRP); err == nil && fgpid > 0 {
			pid = fgpid
		}
	}

	target, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return "/"
	}
	return target
}

// readCmdline reads /proc/<pid>/cmdline, replacing NULs and control
// characters with spaces, truncating at 1024 bytes, and forcing the
// result to valid UTF-8 (spec §4.6 step 2).
func readCmdline(pid int) string {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	if len(raw) > 1024 {
		raw = raw[:1024]
	}

	out := make([]byte, len(raw))
	for i, b := range raw {
		if b == 0 || b < 0x20 {
			out[i] = ' '
		} else {
			out[i] = b
		}
	}

	s := strings.TrimSpace(string(bytes.TrimRight(out, " ")))
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return s
}

// classifyPid derives a leader kind for pid: superuser takes precedence
// if /proc/<pid> is owned by uid 0, regardless of executable (spec §4.4).
func classifyPid(pid int) LeaderKind {
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("/proc/%d", pid), &st); err == nil && st.Uid == 0 {
		return LeaderSuperuser
	}

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return LeaderUnknown
	}
	base := exe
	if i := strings.LastIndexByte(exe, '/'); i >= 0 {
		base = exe[i+1:]
	}
	return ClassifyExe(base)
}
