package socket

import (
	"fmt"
	"golang.org/x/sys/unix"
)

func bindToDevice(fd int, name string) error {
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, name); err != nil {
		return fmt.Errorf("bind to device %q: %w", name, err)
	}
	return nil
}
