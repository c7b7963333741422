package fdmap

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/jedi4ever/addt/internal/util"
)

func openPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return fds[0], fds[1]
}

func TestTakeReplacesExisting(t *testing.T) {
	m := New()
	r1, w1 := openPipe(t)
	defer unix.Close(w1)
	m.Take(r1, 5)

	r2, w2 := openPipe(t)
	defer unix.Close(r2)
	defer unix.Close(w2)
	m.Take(r2, 5) // should close r1

	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	e, err := m.Peek(0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Source != r2 || e.Dest != 5 {
		t.Fatalf("Peek(0) = %+v, want source=%d dest=5", e, r2)
	}
}

func TestStealClearsSlot(t *testing.T) {
	m := New()
	r, w := openPipe(t)
	defer unix.Close(w)
	m.Take(r, 3)

	stolen, err := m.Steal(0)
	if err != nil {
		t.Fatal(err)
	}
	if stolen.Source != r {
		t.Fatalf("Steal returned source %d, want %d", stolen.Source, r)
	}
	unix.Close(stolen.Source)

	e, err := m.Peek(0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Source != -1 || e.Dest != 3 {
		t.Fatalf("Peek(0) after steal = %+v, want source=-1 dest=3", e)
	}
}

func TestGetFailsAfterSteal(t *testing.T) {
	m := New()
	r, w := openPipe(t)
	defer unix.Close(w)
	m.Take(r, 3)
	if _, err := m.Steal(0); err != nil {
		t.Fatal(err)
	}
	unix.Close(r)

	if _, err := m.Get(0); !errors.Is(err, util.ErrClosed) {
		t.Fatalf("Get after steal = %v, want ErrClosed", err)
	}
}

func TestStealFromOverlapFails(t *testing.T) {
	a := New()
	b := New()
	r1, w1 := openPipe(t)
	defer unix.Close(w1)
	r2, w2 := openPipe(t)
	defer unix.Close(w2)
	a.Take(r1, 1)
	b.Take(r2, 1)

	if err := a.StealFrom(b); !errors.Is(err, util.ErrInvalidArgument) {
		t.Fatalf("StealFrom overlap = %v, want ErrInvalidArgument", err)
	}
	unix.Close(r1)
	unix.Close(r2)
}

func TestStealFromDisjointSucceeds(t *testing.T) {
	a := New()
	b := New()
	r1, w1 := openPipe(t)
	defer unix.Close(w1)
	r2, w2 := openPipe(t)
	defer unix.Close(w2)
	a.Take(r1, 1)
	b.Take(r2, 2)

	if err := a.StealFrom(b); err != nil {
		t.Fatalf("StealFrom disjoint: %v", err)
	}
	if a.Len() != 2 {
		t.Fatalf("a.Len() = %d, want 2", a.Len())
	}
	if b.Len() != 1 {
		t.Fatalf("b.Len() = %d, want 1 (slot retained, source cleared)", b.Len())
	}
	e, _ := b.Peek(0)
	if e.Source != -1 {
		t.Fatalf("b entry source = %d, want -1 after steal", e.Source)
	}
	unix.Close(r1)
	unix.Close(r2)
}

func TestMaxDestFD(t *testing.T) {
	m := New()
	if m.MaxDestFD() != 2 {
		t.Fatalf("MaxDestFD() on empty map = %d, want 2", m.MaxDestFD())
	}
	m.Take(-1, 0)
	m.Take(-1, 7)
	if m.MaxDestFD() != 7 {
		t.Fatalf("MaxDestFD() = %d, want 7", m.MaxDestFD())
	}
}
