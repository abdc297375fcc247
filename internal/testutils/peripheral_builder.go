package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CharacteristicConfig represents a characteristic of a mocked peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
}

// ServiceConfig represents a service of a mocked peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig is the complete description of a mocked peripheral
type PeripheralConfig struct {
	Address  string          `json:"address"`
	Name     string          `json:"name,omitempty"`
	RSSI     int             `json:"rssi,omitempty"`
	Hidden   bool            `json:"hidden,omitempty"` // not advertising
	Services []ServiceConfig `json:"services"`
}

// MockPeripheral is a peripheral the mock stack can discover and dial.
type MockPeripheral struct {
	Config PeripheralConfig

	WriteAckDelay  time.Duration
	WriteErr       error
	UnsubscribeErr error
	DisconnectErr  error
}

// PeripheralDeviceBuilder builds mocked peripherals with a GATT profile
type PeripheralDeviceBuilder struct {
	p MockPeripheral
}

// NewPeripheralDeviceBuilder creates a new peripheral builder with an empty profile
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{p: MockPeripheral{Config: PeripheralConfig{
		RSSI:     -60,
		Services: []ServiceConfig{},
	}}}
}

func (b *PeripheralDeviceBuilder) WithAddress(addr string) *PeripheralDeviceBuilder {
	b.p.Config.Address = addr
	return b
}

func (b *PeripheralDeviceBuilder) WithName(name string) *PeripheralDeviceBuilder {
	b.p.Config.Name = name
	return b
}

func (b *PeripheralDeviceBuilder) WithRSSI(rssi int) *PeripheralDeviceBuilder {
	b.p.Config.RSSI = rssi
	return b
}

// Hidden makes the peripheral dialable but invisible to scans.
func (b *PeripheralDeviceBuilder) Hidden() *PeripheralDeviceBuilder {
	b.p.Config.Hidden = true
	return b
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.p.Config.Services = append(b.p.Config.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	if len(b.p.Config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.p.Config.Services) - 1
	b.p.Config.Services[last].Characteristics = append(b.p.Config.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// WithWriteAckDelay delays acknowledged writes, emulating the ATT round trip.
func (b *PeripheralDeviceBuilder) WithWriteAckDelay(d time.Duration) *PeripheralDeviceBuilder {
	b.p.WriteAckDelay = d
	return b
}

func (b *PeripheralDeviceBuilder) WithWriteError(err error) *PeripheralDeviceBuilder {
	b.p.WriteErr = err
	return b
}

func (b *PeripheralDeviceBuilder) WithUnsubscribeError(err error) *PeripheralDeviceBuilder {
	b.p.UnsubscribeErr = err
	return b
}

func (b *PeripheralDeviceBuilder) WithDisconnectError(err error) *PeripheralDeviceBuilder {
	b.p.DisconnectErr = err
	return b
}

// FromJSON fills the peripheral description from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	config := b.p.Config
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.p.Config = config
	return b
}

// Build returns the configured peripheral.
func (b *PeripheralDeviceBuilder) Build() *MockPeripheral {
	p := b.p
	if p.Config.Address == "" {
		panic("PeripheralDeviceBuilder.Build: address is required")
	}
	p.Config.Address = strings.ToUpper(p.Config.Address)
	return &p
}

// Advertisement returns what the peripheral broadcasts during a scan.
func (p *MockPeripheral) Advertisement() *MockAdvertisement {
	adv := &MockAdvertisement{
		Name:    p.Config.Name,
		Address: p.Config.Address,
		Rssi:    p.Config.RSSI,
	}
	for _, svc := range p.Config.Services {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, svc.UUID)
	}
	return adv
}
