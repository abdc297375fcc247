package goble

import (
	"sort"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
)

// BLEService represents a discovered GATT service and its characteristics
type BLEService struct {
	uuid            string
	characteristics []*BLECharacteristic
}

func (s *BLEService) UUID() string {
	return s.uuid
}

func (s *BLEService) GetCharacteristics() []device.Characteristic {
	result := make([]device.Characteristic, 0, len(s.characteristics))
	for _, char := range s.characteristics {
		result = append(result, char)
	}
	return result
}

// BLECharacteristic is the profile view of a characteristic. It keeps the live
// go-ble handle used for writes and subscriptions.
type BLECharacteristic struct {
	uuid       string
	properties []string
	BLEChar    *ble.Characteristic
}

func (c *BLECharacteristic) UUID() string {
	return c.uuid
}

func (c *BLECharacteristic) Properties() []string {
	return append([]string(nil), c.properties...)
}

// bleUUIDString renders a go-ble UUID in the dashed 128-bit form.
func bleUUIDString(u ble.UUID) string {
	return device.CanonicalUUID(u.String())
}

// newServices builds the profile view from a discovered go-ble profile.
// Services and characteristics keep their discovery order; lookup by
// normalized characteristic UUID goes through the returned index.
func newServices(profile *ble.Profile) ([]*BLEService, map[string]*BLECharacteristic) {
	services := make([]*BLEService, 0)
	index := make(map[string]*BLECharacteristic)
	if profile == nil {
		return services, index
	}

	for _, bleSvc := range profile.Services {
		svc := &BLEService{uuid: bleUUIDString(bleSvc.UUID)}
		for _, bleChar := range bleSvc.Characteristics {
			char := &BLECharacteristic{
				uuid:       bleUUIDString(bleChar.UUID),
				properties: PropertyNames(bleChar.Property),
				BLEChar:    bleChar,
			}
			svc.characteristics = append(svc.characteristics, char)

			key := device.NormalizeUUID(char.uuid)
			if _, exists := index[key]; !exists {
				index[key] = char
			}
		}
		services = append(services, svc)
	}
	return services, index
}

// sortedKeys is used for deterministic log output.
func sortedKeys(m map[string]*BLECharacteristic) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
