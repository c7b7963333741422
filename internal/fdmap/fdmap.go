// Package fdmap implements the FD Map component (spec §4.1): an ordered,
// at-most-one-entry-per-destination mapping of source file descriptors to
// destination slots, with take/peek/get/steal/merge semantics modelled on
// the teacher's socket-forwarding helpers in provider/podman/tmux.go, built
// directly on golang.org/x/sys/unix for the O_CLOEXEC pipe and dup
// primitives the teacher's tty helpers also reach for.
package fdmap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jedi4ever/addt/internal/util"
)

var logger = util.Log("fdmap")

// Entry is one (source, dest) binding. Source is -1 when the slot has been
// stolen or when it represents "silence this fd" (dup of /dev/null-like
// behavior handled by the spawn step, not by the map itself).
type Entry struct {
	Source int
	Dest   int
}

// Map is an ordered sequence of Entry, at most one live entry per Dest.
type Map struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty FD Map.
func New() *Map {
	return &Map{}
}

func (m *Map) indexForDestLocked(dest int) int {
	for i := range m.entries {
		if m.entries[i].Dest == dest {
			return i
		}
	}
	return -1
}

// Take transfers ownership of source (or -1 to mean "silence this fd") into
// the map at dest. Any existing live source for dest is closed first. The
// caller must not close source afterward; the map now owns it.
func (m *Map) Take(source, dest int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexForDestLocked(dest); i >= 0 {
		if m.entries[i].Source >= 0 {
			unix.Close(m.entries[i].Source)
		}
		m.entries[i].Source = source
		return
	}
	m.entries = append(m.entries, Entry{Source: source, Dest: dest})
}

// Len returns the number of entries (including stolen ones still tracked by
// position).
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Peek reads an entry by position without transferring ownership.
func (m *Map) Peek(index int) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.entries) {
		return Entry{}, fmt.Errorf("fdmap: index %d out of range: %w", index, util.ErrInvalidArgument)
	}
	return m.entries[index], nil
}

// Get returns a dup of the source fd at index for inspection. Fails with
// ErrClosed if the slot has already been stolen.
func (m *Map) Get(index int) (int, error) {
	e, err := m.Peek(index)
	if err != nil {
		return -1, err
	}
	if e.Source < 0 {
		return -1, fmt.Errorf("fdmap: slot %d already stolen: %w", index, util.ErrClosed)
	}
	dup, err := unix.Dup(e.Source)
	if err != nil {
		return -1, fmt.Errorf("fdmap: dup fd %d: %w", e.Source, err)
	}
	return dup, nil
}

// Steal transfers ownership of the entry at index out of the map, leaving
// Source = -1 in its place.
func (m *Map) Steal(index int) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.entries) {
		return Entry{}, fmt.Errorf("fdmap: index %d out of range: %w", index, util.ErrInvalidArgument)
	}
	e := m.entries[index]
	m.entries[index].Source = -1
	return e, nil
}

// StealFrom moves every live entry out of other into m. If m already holds
// a live source for a dest that other also holds live, this fails with
// ErrInvalidArgument and neither map is mutated. On success other is left
// holding no live fds.
func (m *Map) StealFrom(other *Map) error {
	m.mu.Lock()
	other.mu.Lock()
	defer other.mu.Unlock()
	defer m.mu.Unlock()

	for _, e := range other.entries {
		if e.Source < 0 {
			continue
		}
		if i := m.indexForDestLocked(e.Dest); i >= 0 && m.entries[i].Source >= 0 {
			return fmt.Errorf("fdmap: overlapping destination fd %d: %w", e.Dest, util.ErrInvalidArgument)
		}
	}

	for i := range other.entries {
		e := other.entries[i]
		if e.Source < 0 {
			continue
		}
		if j := m.indexForDestLocked(e.Dest); j >= 0 {
			m.entries[j].Source = e.Source
		} else {
			m.entries = append(m.entries, e)
		}
		other.entries[i].Source = -1
	}
	return nil
}

// MaxDestFD returns max(2, max(dest_fd)).
func (m *Map) MaxDestFD() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 2
	for _, e := range m.entries {
		if e.Dest > max {
			max = e.Dest
		}
	}
	return max
}

// Entries returns a copy of the current entry list, for folding into a
// subprocess launcher.
func (m *Map) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// isatty reports whether dest's current source is a live fd referring to a
// terminal.
func (m *Map) isatty(dest int) bool {
	m.mu.Lock()
	i := m.indexForDestLocked(dest)
	var source int = -1
	if i >= 0 {
		source = m.entries[i].Source
	}
	m.mu.Unlock()
	if source < 0 {
		return false
	}
	_, err := unix.IoctlGetTermios(source, unix.TCGETS)
	return err == nil
}

// StdinIsTTY, StdoutIsTTY, StderrIsTTY ask the kernel about the current
// source fd bound to the respective standard destination.
func (m *Map) StdinIsTTY() bool  { return m.isatty(unix.Stdin) }
func (m *Map) StdoutIsTTY() bool { return m.isatty(unix.Stdout) }
func (m *Map) StderrIsTTY() bool { return m.isatty(unix.Stderr) }

// CreateStream opens two O_CLOEXEC pipes. The inner ends are taken into the
// map at destRead and destWrite; the outer ends (readFD, writeFD) are
// returned non-blocking for the caller to drive as a bidirectional byte
// stream (e.g. wrapped in os.NewFile for use with io.Reader/io.Writer).
func (m *Map) CreateStream(destRead, destWrite int) (readFD, writeFD int, err error) {
	toChild := [2]int{}
	if err := unix.Pipe2(toChild[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, fmt.Errorf("fdmap: pipe2: %w", err)
	}
	fromChild := [2]int{}
	if err := unix.Pipe2(fromChild[:], unix.O_CLOEXEC); err != nil {
		unix.Close(toChild[0])
		unix.Close(toChild[1])
		return -1, -1, fmt.Errorf("fdmap: pipe2: %w", err)
	}

	// Inner ends (what the child reads stdin from, writes stdout to) go
	// into the map; outer ends are handed back for the caller to drive.
	m.Take(toChild[0], destRead)
	m.Take(fromChild[1], destWrite)

	if err := unix.SetNonblock(toChild[1], true); err != nil {
		logger.Warning("set nonblock on stream write end: %v", err)
	}
	if err := unix.SetNonblock(fromChild[0], true); err != nil {
		logger.Warning("set nonblock on stream read end: %v", err)
	}

	return fromChild[0], toChild[1], nil
}
