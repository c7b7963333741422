package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestFromSocketFDRejectsLowFD(t *testing.T) {
	if _, err := FromSocketFD(2); err == nil {
		t.Fatalf("expected error for fd <= 2")
	}
	if _, err := FromSocketFD(0); err == nil {
		t.Fatalf("expected error for fd 0")
	}
}

func TestGatedConnBlocksReadUntilOpen(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	g := newGatedConn(a)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4)
		g.Read(buf)
		close(done)
	}()

	go func() { b.Write([]byte("ping")) }()

	select {
	case <-done:
		t.Fatalf("Read returned before the gate was opened")
	case <-time.After(50 * time.Millisecond):
	}

	g.open()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Read did not unblock after open()")
	}
}

func TestGatedConnOpenIsIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	g := newGatedConn(a)
	g.open()
	g.open() // must not panic or double-close openCh
}

func TestFDDictToFDMap(t *testing.T) {
	d := FDDict{0: dbus.UnixFD(10), 1: dbus.UnixFD(11)}
	m := d.ToFDMap()
	if m[0] != 10 || m[1] != 11 {
		t.Fatalf("ToFDMap() = %v, want {0:10, 1:11}", m)
	}
}
