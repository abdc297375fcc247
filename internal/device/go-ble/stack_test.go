package goble

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func withDeviceFactory(t *testing.T, factory func(adapter string) (ble.Device, error)) {
	t.Helper()
	orig := DeviceFactory
	DeviceFactory = factory
	t.Cleanup(func() { DeviceFactory = orig })
}

func TestStackProbe(t *testing.T) {
	t.Run("open failure is reported as BLE unavailable", func(t *testing.T) {
		withDeviceFactory(t, func(string) (ble.Device, error) {
			return nil, errors.New("can't init hci: no devices available")
		})

		err := NewStack(quietLogger(), StackOptions{}).Probe("hci0")
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrBLEUnavailable, "adapter open failure MUST map to ErrBLEUnavailable")
	})

	t.Run("opened adapters are cached per name", func(t *testing.T) {
		calls := map[string]int{}
		withDeviceFactory(t, func(adapter string) (ble.Device, error) {
			calls[adapter]++
			return nil, nil
		})

		stack := NewStack(quietLogger(), StackOptions{})
		require.NoError(t, stack.Probe("hci0"))
		require.NoError(t, stack.Probe(" hci0 "))
		require.NoError(t, stack.Probe(""))

		assert.Equal(t, map[string]int{"hci0": 1, "": 1}, calls, "each adapter MUST be opened exactly once")
	})

	t.Run("repeated failures suspend further attempts", func(t *testing.T) {
		calls := 0
		withDeviceFactory(t, func(string) (ble.Device, error) {
			calls++
			return nil, fmt.Errorf("operation not permitted")
		})

		stack := NewStack(quietLogger(), StackOptions{})
		for i := 0; i < openFailuresToTrip; i++ {
			require.Error(t, stack.Probe("hci0"))
		}

		err := stack.Probe("hci0")
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrBLEUnavailable)
		assert.Contains(t, err.Error(), "suspended")
		assert.Equal(t, openFailuresToTrip, calls, "open MUST NOT be attempted while suspended")
	})
}

func TestParseAdapterIndex(t *testing.T) {
	tests := []struct {
		input    string
		expected int
		wantErr  bool
	}{
		{input: "hci0", expected: 0},
		{input: "HCI3", expected: 3},
		{input: "1", expected: 1},
		{input: "usb0", wantErr: true},
		{input: "hci-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			idx, err := ParseAdapterIndex(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, idx)
		})
	}
}

func TestNormalizeError(t *testing.T) {
	assert.Nil(t, NormalizeError(nil))
	assert.ErrorIs(t, NormalizeError(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")), device.ErrBluetoothOff)
	assert.ErrorIs(t, NormalizeError(errors.New("Device Not Connected")), device.ErrNotConnected)
	assert.ErrorIs(t, NormalizeError(errors.New("device already connected")), device.ErrAlreadyConnected)
	assert.ErrorIs(t, NormalizeError(errors.New("can't init hci: permission denied")), device.ErrBLEUnavailable)

	plain := errors.New("att: invalid handle")
	assert.Equal(t, plain, NormalizeError(plain), "unknown errors MUST pass through unchanged")
}

func TestPropertyNames(t *testing.T) {
	assert.Equal(t, []string{PropRead, PropWriteWithoutResponse, PropNotify},
		PropertyNames(ble.CharRead|ble.CharWriteNR|ble.CharNotify))
	assert.Empty(t, PropertyNames(0))

	supported, indicate := canNotify(ble.CharIndicate)
	assert.True(t, supported)
	assert.True(t, indicate, "indicate-only characteristic MUST subscribe with indications")

	supported, indicate = canNotify(ble.CharNotify | ble.CharIndicate)
	assert.True(t, supported)
	assert.False(t, indicate, "notifications MUST be preferred when available")

	supported, _ = canNotify(ble.CharRead)
	assert.False(t, supported)
}

func TestNewServices(t *testing.T) {
	hrm := &ble.Characteristic{UUID: ble.UUID16(0x2a37), Property: ble.CharNotify}
	cp := &ble.Characteristic{UUID: ble.UUID16(0x2a39), Property: ble.CharWrite}
	profile := &ble.Profile{Services: []*ble.Service{
		{UUID: ble.UUID16(0x180d), Characteristics: []*ble.Characteristic{hrm, cp}},
		{UUID: ble.UUID16(0x180f)},
	}}

	services, index := newServices(profile)
	require.Len(t, services, 2)

	assert.Equal(t, "0000180d-0000-1000-8000-00805f9b34fb", services[0].UUID())
	chars := services[0].GetCharacteristics()
	require.Len(t, chars, 2)
	assert.Equal(t, "00002a37-0000-1000-8000-00805f9b34fb", chars[0].UUID(), "discovery order MUST be kept")
	assert.Equal(t, []string{PropNotify}, chars[0].Properties())
	assert.Empty(t, services[1].GetCharacteristics())

	require.Contains(t, index, "2a39")
	assert.Same(t, cp, index["2a39"].BLEChar)
	assert.Equal(t, []string{"2a37", "2a39"}, sortedKeys(index))

	empty, emptyIndex := newServices(nil)
	assert.Empty(t, empty)
	assert.Empty(t, emptyIndex)
}
