package goble

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string        { return strings.TrimSpace(a.adv.LocalName()) }
func (a *BLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *BLEAdvertisement) TxPowerLevel() int        { return int(a.adv.TxPowerLevel()) }
func (a *BLEAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int                { return a.adv.RSSI() }

func (a *BLEAdvertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return strings.ToUpper(a.adv.Addr().String())
}

// Services returns the advertised service UUIDs, including overflow and
// solicited lists, in dashed 128-bit form.
func (a *BLEAdvertisement) Services() []string {
	var result []string
	for _, list := range [][]ble.UUID{a.adv.Services(), a.adv.OverflowService(), a.adv.SolicitedService()} {
		for _, svc := range list {
			result = append(result, bleUUIDString(svc))
		}
	}
	return result
}
