package testutils

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srg/bleproxy/internal/device"
)

// WriteRecord is one write seen by a mock connection.
type WriteRecord struct {
	CharacteristicUUID string
	Data               []byte
	WithResponse       bool
	AckedAt            time.Time
}

type mockCharacteristic struct {
	uuid       string
	properties []string
}

func (c *mockCharacteristic) UUID() string         { return c.uuid }
func (c *mockCharacteristic) Properties() []string { return c.properties }

type mockService struct {
	uuid  string
	chars []device.Characteristic
}

func (s *mockService) UUID() string                                { return s.uuid }
func (s *mockService) GetCharacteristics() []device.Characteristic { return s.chars }

// MockConnection is a device.Connection to a MockPeripheral.
type MockConnection struct {
	peripheral *MockPeripheral
	adapter    string
	services   []device.Service
	chars      map[string]*mockCharacteristic

	mu              sync.Mutex
	handlers        map[string]func([]byte)
	writes          []WriteRecord
	disconnectCalls int
	disconnected    chan struct{}
	closeOnce       sync.Once
}

func newMockConnection(p *MockPeripheral, adapter string) *MockConnection {
	c := &MockConnection{
		peripheral:   p,
		adapter:      adapter,
		chars:        make(map[string]*mockCharacteristic),
		handlers:     make(map[string]func([]byte)),
		disconnected: make(chan struct{}),
	}
	for _, svcConfig := range p.Config.Services {
		svc := &mockService{uuid: svcConfig.UUID}
		for _, charConfig := range svcConfig.Characteristics {
			char := &mockCharacteristic{uuid: charConfig.UUID, properties: splitProperties(charConfig.Properties)}
			svc.chars = append(svc.chars, char)
			c.chars[device.NormalizeUUID(charConfig.UUID)] = char
		}
		c.services = append(c.services, svc)
	}
	return c
}

func splitProperties(props string) []string {
	if props == "" {
		return []string{"read", "write", "notify"}
	}
	var result []string
	for _, p := range strings.Split(props, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func (c *MockConnection) Address() string            { return c.peripheral.Config.Address }
func (c *MockConnection) Name() string               { return c.peripheral.Config.Name }
func (c *MockConnection) Services() []device.Service { return c.services }

// Adapter returns the adapter name the connection was dialled on.
func (c *MockConnection) Adapter() string { return c.adapter }

func (c *MockConnection) characteristic(uuid string) (*mockCharacteristic, error) {
	char, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return char, nil
}

func (c *MockConnection) checkLink() error {
	if c.Closed() {
		return fmt.Errorf("%w: device not connected", device.ErrNotConnected)
	}
	return nil
}

func (c *MockConnection) Write(charUUID string, data []byte, withResponse bool) error {
	if err := c.checkLink(); err != nil {
		return err
	}
	if _, err := c.characteristic(charUUID); err != nil {
		return err
	}
	if c.peripheral.WriteErr != nil {
		return c.peripheral.WriteErr
	}
	if withResponse && c.peripheral.WriteAckDelay > 0 {
		time.Sleep(c.peripheral.WriteAckDelay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, WriteRecord{
		CharacteristicUUID: charUUID,
		Data:               append([]byte(nil), data...),
		WithResponse:       withResponse,
		AckedAt:            time.Now(),
	})
	return nil
}

func (c *MockConnection) Subscribe(charUUID string, handler func(data []byte)) error {
	if err := c.checkLink(); err != nil {
		return err
	}
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}
	notifiable := false
	for _, p := range char.properties {
		if p == "notify" || p == "indicate" {
			notifiable = true
		}
	}
	if !notifiable {
		return fmt.Errorf("characteristic %s does not support notifications: %w", charUUID, device.ErrUnsupported)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[device.NormalizeUUID(charUUID)] = handler
	return nil
}

func (c *MockConnection) Unsubscribe(charUUID string) error {
	if err := c.checkLink(); err != nil {
		return err
	}
	if c.peripheral.UnsubscribeErr != nil {
		return c.peripheral.UnsubscribeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, device.NormalizeUUID(charUUID))
	return nil
}

func (c *MockConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *MockConnection) Disconnect() error {
	c.mu.Lock()
	c.disconnectCalls++
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.disconnected) })
	return c.peripheral.DisconnectErr
}

// Notify delivers payload to the handler subscribed for charUUID, on the
// caller's goroutine. It reports whether a handler was registered.
func (c *MockConnection) Notify(charUUID string, payload []byte) bool {
	c.mu.Lock()
	handler, ok := c.handlers[device.NormalizeUUID(charUUID)]
	c.mu.Unlock()
	if !ok || c.Closed() {
		return false
	}
	handler(payload)
	return true
}

// DropLink emulates a device-initiated disconnect.
func (c *MockConnection) DropLink() {
	c.mu.Lock()
	c.handlers = make(map[string]func([]byte))
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.disconnected) })
}

// Closed reports whether the link is down.
func (c *MockConnection) Closed() bool {
	select {
	case <-c.disconnected:
		return true
	default:
		return false
	}
}

// DisconnectCalls returns how many times Disconnect was called.
func (c *MockConnection) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCalls
}

// Writes returns the writes seen so far.
func (c *MockConnection) Writes() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteRecord(nil), c.writes...)
}

// Subscribed returns the normalized UUIDs with a registered handler.
func (c *MockConnection) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		result = append(result, k)
	}
	return result
}
