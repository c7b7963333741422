package runcontext

import (
	"os"
	"os/exec"

	"github.com/jedi4ever/addt/internal/fdmap"
)

// attachFDs wires a root layer's fd-map onto cmd per spec §4.3 step 3:
// dest 0/1/2 become stdin/stdout/stderr (source -1 on stdout/stderr means
// "silence" that stream); any other dest becomes an extra fd. Returns the
// stdin file (if any) so the caller can decide whether to acquire a
// controlling terminal.
func attachFDs(cmd *exec.Cmd, fds *fdmap.Map) (stdin *os.File, silenceStdout, silenceStderr bool, err error) {
	entries := fds.Entries()

	extra := map[int]*os.File{}
	maxExtraDest := 2

	for _, e := range entries {
		switch e.Dest {
		case 0:
			if e.Source >= 0 {
				stdin = os.NewFile(uintptr(e.Source), "stdin")
			}
		case 1:
			if e.Source >= 0 {
				cmd.Stdout = os.NewFile(uintptr(e.Source), "stdout")
			} else {
				silenceStdout = true
			}
		case 2:
			if e.Source >= 0 {
				cmd.Stderr = os.NewFile(uintptr(e.Source), "stderr")
			} else {
				silenceStderr = true
			}
		default:
			if e.Source >= 0 {
				extra[e.Dest] = os.NewFile(uintptr(e.Source), "fd")
				if e.Dest > maxExtraDest {
					maxExtraDest = e.Dest
				}
			}
		}
	}

	cmd.Stdin = stdin

	if maxExtraDest > 2 {
		files := make([]*os.File, 0, maxExtraDest-2)
		for d := 3; d <= maxExtraDest; d++ {
			files = append(files, extra[d])
		}
		cmd.ExtraFiles = files
	}

	return stdin, silenceStdout, silenceStderr, nil
}
