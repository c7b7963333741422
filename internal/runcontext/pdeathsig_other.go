//go:build !linux

package runcontext

import "syscall"

func setPdeathsig(attr *syscall.SysProcAttr) {}
