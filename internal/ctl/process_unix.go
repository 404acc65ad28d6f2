//go:build unix

package ctl

import "syscall"

// detached puts the server in its own session so it outlives the tool.
func detached() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
