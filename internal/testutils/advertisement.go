package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/bleproxy/internal/device"
)

// MockAdvertisement is a fixed device.Advertisement.
type MockAdvertisement struct {
	Name           string   `json:"name"`
	Address        string   `json:"address"`
	Rssi           int      `json:"rssi"`
	ServiceUUIDs   []string `json:"services"`
	Manufacturer   []byte   `json:"manufacturerData"`
	TxPower        int      `json:"txPower"`
	NotConnectable bool     `json:"notConnectable"`
}

func (a *MockAdvertisement) LocalName() string        { return a.Name }
func (a *MockAdvertisement) ManufacturerData() []byte { return a.Manufacturer }
func (a *MockAdvertisement) Services() []string       { return a.ServiceUUIDs }
func (a *MockAdvertisement) TxPowerLevel() int        { return a.TxPower }
func (a *MockAdvertisement) Connectable() bool        { return !a.NotConnectable }
func (a *MockAdvertisement) RSSI() int                { return a.Rssi }
func (a *MockAdvertisement) Addr() string             { return a.Address }

// AdvertisementBuilder builds mocked advertisements for discovery tests.
type AdvertisementBuilder struct {
	adv MockAdvertisement
}

// NewAdvertisementBuilder creates a connectable advertisement with no fields set.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs; short or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// FromJSON fills the advertisement from JSON with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	return &adv
}
