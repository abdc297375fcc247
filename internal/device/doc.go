// Package device defines the radio-facing side of the BLE proxy.
//
// It contains the small set of interfaces the rest of the module programs
// against (Stack, Connection, Service, Characteristic, Advertisement), the
// error taxonomy shared by every layer that touches the radio, and UUID
// helpers. Concrete implementations live in sub-packages:
//   - go-ble: the host radio stack on top of github.com/go-ble/ble
//   - testutils (internal/testutils): an in-memory mock stack used by tests
//
// Callbacks registered through Connection.Subscribe are invoked on the radio
// stack's own goroutine. Implementations of the handler must not block.
package device
