package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bleproxy/internal/device"
)

// FormatUserError turns an error into a message for the terminal.
func FormatUserError(err error) string {
	var opErr *device.OperationError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrBLEUnavailable):
		return fmt.Sprintf("Bluetooth is not available on this host (%v). Check the adapter and permissions.", err)
	case errors.Is(err, device.ErrNoDeviceFound):
		return fmt.Sprintf("No matching device found: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "Operation timed out."
	case errors.As(err, &opErr):
		return fmt.Sprintf("%s failed: %v", opErr.Op, opErr.Err)
	default:
		return err.Error()
	}
}
