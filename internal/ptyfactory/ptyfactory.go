// Package ptyfactory implements the PTY Factory (spec §4.2): opening a
// consumer pseudo-terminal and deriving its producer end with the kernel
// version / sandbox fallbacks the spec requires. Grounded on the teacher's
// internal/terminal/terminal_unix.go (isatty/window-size via
// golang.org/x/sys/unix ioctls) generalized from read-only queries into the
// full open/grant/unlock/derive sequence.
package ptyfactory

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jedi4ever/addt/internal/util"
)

var logger = util.Log("ptyfactory")

const sandboxPtmxMarker = "/run/host/dev/pts/ptmx"

// NewConsumer opens the kernel pseudo-terminal multiplexer and returns the
// consumer (historically "master") end, non-blocking and close-on-exec.
func NewConsumer() (int, error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		// Fall back to a two-step open + fcntl(FD_CLOEXEC) for platforms
		// that reject O_CLOEXEC on open of /dev/ptmx.
		fd, err = unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
		if err != nil {
			return -1, fmt.Errorf("ptyfactory: open /dev/ptmx: %w", err)
		}
		if _, ferr := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); ferr != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("ptyfactory: fcntl FD_CLOEXEC: %w", ferr)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ptyfactory: set nonblock: %w", err)
	}
	return fd, nil
}

// ptyNumber returns the pts number identifying consumerFD's peer.
func ptyNumber(consumerFD int) (int, error) {
	return unix.IoctlGetInt(consumerFD, unix.TIOCGPTN)
}

// unlockConsumer is the unlockpt() equivalent: clears the lock flag on the
// pts slave so it can be opened.
func unlockConsumer(consumerFD int) error {
	return unix.IoctlSetPointerInt(consumerFD, unix.TIOCSPTLCK, 0)
}

const ttySuccessFlags = unix.O_NOCTTY | unix.O_RDWR | unix.O_CLOEXEC | unix.O_NONBLOCK

// ioctlGPTPEER performs the TIOCGPTPEER ioctl, which — unusually — returns a
// brand new file descriptor for the peer device rather than writing through
// a pointer argument. There is no golang.org/x/sys/unix helper for this
// shape, so it is issued directly via the raw syscall.
func ioctlGPTPEER(consumerFD int, flags int) (int, error) {
	r1, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(consumerFD), uintptr(unix.TIOCGPTPEER), uintptr(flags))
	if errno != 0 {
		return -1, errno
	}
	return int(r1), nil
}

// NewProducer unlocks consumerFD and derives its producer (historically
// "slave") end, preferring the Linux >= 4.13 TIOCGPTPEER ioctl and falling
// back to opening /dev/pts/<n> by name, then enables packet mode where the
// kernel supports it, then applies the sandbox path rewrite.
func NewProducer(consumerFD int) (int, error) {
	if err := unlockConsumer(consumerFD); err != nil {
		return -1, fmt.Errorf("ptyfactory: unlockpt: %w", err)
	}

	producer, err := ioctlGPTPEER(consumerFD, ttySuccessFlags)
	if err != nil {
		logger.Debug("TIOCGPTPEER unavailable (%v), falling back to ptsname", err)
		n, nerr := ptyNumber(consumerFD)
		if nerr != nil {
			return -1, fmt.Errorf("ptyfactory: TIOCGPTN: %w", nerr)
		}
		name := fmt.Sprintf("/dev/pts/%d", n)
		producer, err = unix.Open(name, ttySuccessFlags, 0)
		if err != nil {
			return -1, fmt.Errorf("ptyfactory: open %s: %w", name, err)
		}
	}

	if err := unix.IoctlSetPointerInt(producer, unix.TIOCPKT, 1); err != nil {
		logger.Debug("packet mode unavailable on producer fd: %v", err)
	}

	rewritten, err := sandboxRewrite(consumerFD, producer)
	if err != nil {
		logger.Debug("sandbox pty rewrite skipped: %v", err)
		return producer, nil
	}
	return rewritten, nil
}

// sandboxRewrite implements §4.2's sandbox-aware path rewrite: when a host
// /dev/pts is bind-mounted under /run/host (Flatpak-style sandboxing), the
// producer must be reopened through the host-visible path so downstream TTY
// ioctls issued by a host-side peer see the same device. Returns the
// original fd unchanged (with an error) if no rewrite applies.
func sandboxRewrite(consumerFD, producer int) (int, error) {
	if _, err := os.Stat(sandboxPtmxMarker); err != nil {
		return producer, fmt.Errorf("not sandboxed: %w", err)
	}

	n, err := ptyNumber(consumerFD)
	if err != nil {
		return producer, fmt.Errorf("ptyfactory: TIOCGPTN for rewrite: %w", err)
	}
	hostPath := fmt.Sprintf("/run/host/dev/pts/%d", n)

	alt, err := unix.Open(hostPath, ttySuccessFlags, 0)
	if err != nil {
		return producer, fmt.Errorf("ptyfactory: open %s: %w", hostPath, err)
	}

	var origStat, altStat unix.Stat_t
	if err := unix.Fstat(producer, &origStat); err != nil {
		unix.Close(alt)
		return producer, fmt.Errorf("ptyfactory: fstat producer: %w", err)
	}
	if err := unix.Fstat(alt, &altStat); err != nil {
		unix.Close(alt)
		return producer, fmt.Errorf("ptyfactory: fstat alt: %w", err)
	}
	if origStat.Dev != altStat.Dev || origStat.Ino != altStat.Ino {
		unix.Close(alt)
		return producer, fmt.Errorf("ptyfactory: %s does not refer to the same device", hostPath)
	}

	unix.Close(producer)
	return alt, nil
}
