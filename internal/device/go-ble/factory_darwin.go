//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// CoreBluetooth exposes a single central; the adapter name is ignored.
func newPlatformDevice(_ string) (ble.Device, error) {
	return darwin.NewDevice()
}
