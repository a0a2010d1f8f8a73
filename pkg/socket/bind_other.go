//go:build !linux

package socket

import (
	"errors"
	"fmt"
)

func bindToDevice(fd int, name string) error {
	return fmt.Errorf("bind to device %q: %w", name, errors.ErrUnsupported)
}
