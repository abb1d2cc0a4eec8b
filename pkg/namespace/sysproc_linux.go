package namespace

import "syscall"

func namespaceAttr() (*syscall.SysProcAttr, error) {
	return &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWNS}, nil
}
