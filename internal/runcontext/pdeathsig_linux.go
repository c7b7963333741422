//go:build linux

package runcontext

import "syscall"

// setPdeathsig arms PR_SET_PDEATHSIG so a spawned child is sent SIGHUP if
// the agent dies first (spec §4.3 step 4).
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGHUP
}
