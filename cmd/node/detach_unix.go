//go:build unix

package main

import (
	"errors"
	"syscall"
)

// detach moves the node into its own process group so a signal sent to the
// parent's group is not delivered twice. A session leader cannot change group.
func detach() error {
	if err := syscall.Setpgid(0, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return err
	}
	return nil
}
