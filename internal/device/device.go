package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "device"
	UUIDs    []string // One or more identifiers (e.g., [charUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected, Msg: "not connected to any device"}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Environment and operation errors
var (
	// ErrBLEUnavailable reports that the host radio stack cannot be used at all
	// (no adapter, missing permissions, unsupported platform).
	ErrBLEUnavailable = errors.New("BLE unavailable")
	ErrBluetoothOff   = errors.New("bluetooth is turned off")
	ErrNoDeviceFound  = errors.New("no device found")
	ErrTimeout        = errors.New("timeout")
	ErrUnsupported    = errors.New("unsupported")
)

// Operation names used in OperationError and in client-facing error messages.
const (
	OpDiscover    = "Discovery"
	OpConnect     = "Connect"
	OpDisconnect  = "Disconnect"
	OpWrite       = "Write"
	OpSubscribe   = "Subscribe"
	OpUnsubscribe = "Unsubscribe"
)

// OperationError wraps a link-layer failure with the operation that produced it.
// ConnectFailed and WriteFailed are OperationErrors with Op set to OpConnect and OpWrite.
type OperationError struct {
	Op     string
	Target string // address or characteristic UUID, may be empty
	Err    error
}

func (e *OperationError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s failed: %v", strings.ToLower(e.Op), e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", strings.ToLower(e.Op), e.Target, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ErrorKind classifies err into a short machine-readable kind used in client error details.
func ErrorKind(err error) string {
	var opErr *OperationError
	var nfErr *NotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBLEUnavailable), errors.Is(err, ErrBluetoothOff):
		return "ble_unavailable"
	case IsConnectionState(err, NotConnected):
		return "not_connected"
	case errors.Is(err, ErrNoDeviceFound):
		return "no_device_found"
	case errors.As(err, &nfErr):
		return "not_found"
	case errors.As(err, &opErr) && opErr.Op == OpConnect:
		return "connect_failed"
	case errors.As(err, &opErr) && opErr.Op == OpWrite:
		return "write_failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "operation_failed"
	}
}

// Advertisement is a single advertising report seen during discovery.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// Stack is the host radio stack. Adapter names follow the host convention
// ("hci0" on Linux); an empty name selects the default adapter.
type Stack interface {
	// Scan delivers advertisements to handler until ctx is done. Handler is
	// called on the radio stack's goroutine.
	Scan(ctx context.Context, adapter string, handler func(Advertisement)) error

	// Dial establishes a link to address and discovers its GATT profile.
	Dial(ctx context.Context, adapter, address string) (Connection, error)
}

// Connection is one established link to a peripheral with its discovered profile.
type Connection interface {
	Address() string
	Name() string
	Services() []Service

	// Write sends data to the characteristic. With withResponse set the call
	// returns only after the peripheral acknowledged the write.
	Write(charUUID string, data []byte, withResponse bool) error

	// Subscribe enables notifications (or indications) for the characteristic.
	// handler runs on the radio stack's goroutine and must not block.
	Subscribe(charUUID string, handler func(data []byte)) error
	Unsubscribe(charUUID string) error

	// Disconnected is closed when the link drops, for any reason.
	Disconnected() <-chan struct{}
	Disconnect() error
}

// Service represents a GATT service interface
type Service interface {
	UUID() string
	GetCharacteristics() []Characteristic
}

// Characteristic represents characteristic metadata
type Characteristic interface {
	UUID() string
	Properties() []string // e.g. "read", "write", "write_without_response", "notify", "indicate"
}

// DeviceSummary is one discovery result.
type DeviceSummary struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

const (
	// UnknownName is reported when a peripheral exposes no name.
	UnknownName = "Unknown"

	// UnknownRSSI is the signal strength sentinel when the stack reports none.
	UnknownRSSI = -100
)
