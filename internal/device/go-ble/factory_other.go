//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
)

func newPlatformDevice(_ string) (ble.Device, error) {
	return nil, fmt.Errorf("%w: unsupported platform %s", device.ErrBLEUnavailable, runtime.GOOS)
}
