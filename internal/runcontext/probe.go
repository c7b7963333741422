package runcontext

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Process-wide, cached-on-first-use probes (spec §9: "the 'is sandboxed?'
// check ... and the podman version check are cached on first use").

var (
	sandboxOnce   sync.Once
	sandboxResult bool

	scopeOnce   sync.Once
	scopeResult bool

	detachKeysOnce   sync.Once
	detachKeysResult bool
)

// IsSandboxed reports whether the agent itself is running inside a
// Flatpak-style sandbox, detected via the presence of /.flatpak-info.
func IsSandboxed() bool {
	sandboxOnce.Do(func() {
		_, err := os.Stat("/.flatpak-info")
		sandboxResult = err == nil
	})
	return sandboxResult
}

// systemdRunSupportsScope reports whether a systemd-run on PATH is new
// enough (>= 240) to support --scope --collect.
func systemdRunSupportsScope() bool {
	scopeOnce.Do(func() {
		out, err := exec.Command("systemd-run", "--version").Output()
		if err != nil {
			scopeResult = false
			return
		}
		scopeResult = parseSystemdVersion(string(out)) >= 240
	})
	return scopeResult
}

func parseSystemdVersion(out string) int {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return 0
	}
	n := 0
	for _, r := range fields[1] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// podmanSupportsDetachKeys reports whether the podman on PATH is new
// enough (>= 1.8.1) that --detach-keys= (empty string) is accepted, which
// prevents podman from intercepting Ctrl-P as a detach sequence.
func podmanSupportsDetachKeys() bool {
	detachKeysOnce.Do(func() {
		out, err := exec.Command("podman", "version", "--format", "{{.Client.Version}}").Output()
		if err != nil {
			detachKeysResult = false
			return
		}
		detachKeysResult = compareVersion(strings.TrimSpace(string(out)), "1.8.1") >= 0
	})
	return detachKeysResult
}

// compareVersion compares two dotted-numeric version strings, returning
// -1, 0 or 1.
func compareVersion(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = atoiPrefix(as[i])
		}
		if i < len(bs) {
			bv = atoiPrefix(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func atoiPrefix(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
