//go:build !unix

package ctl

import "syscall"

func detached() *syscall.SysProcAttr { return nil }
