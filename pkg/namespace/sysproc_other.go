//go:build !linux

package namespace

import (
	"errors"
	"syscall"
)

func namespaceAttr() (*syscall.SysProcAttr, error) {
	return nil, errors.New("running a command in a mount namespace requires Linux")
}
