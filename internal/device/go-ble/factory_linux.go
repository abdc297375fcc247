//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newPlatformDevice(adapter string) (ble.Device, error) {
	if adapter == "" {
		return linux.NewDevice()
	}
	idx, err := ParseAdapterIndex(adapter)
	if err != nil {
		return nil, err
	}
	return linux.NewDevice(ble.OptDeviceID(idx))
}
