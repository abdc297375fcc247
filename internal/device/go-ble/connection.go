package goble

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
)

// BLEConnection represents a live BLE link with its discovered profile
type BLEConnection struct {
	client     ble.Client
	address    string
	name       string
	logger     *logrus.Logger
	writeMutex sync.Mutex

	services []*BLEService
	chars    map[string]*BLECharacteristic
}

func newBLEConnection(client ble.Client, address string, profile *ble.Profile, logger *logrus.Logger) *BLEConnection {
	services, chars := newServices(profile)
	return &BLEConnection{
		client:   client,
		address:  address,
		name:     strings.TrimSpace(client.Name()),
		logger:   logger,
		services: services,
		chars:    chars,
	}
}

func (c *BLEConnection) Address() string { return c.address }
func (c *BLEConnection) Name() string    { return c.name }

// Services returns the discovered services in discovery order.
func (c *BLEConnection) Services() []device.Service {
	result := make([]device.Service, 0, len(c.services))
	for _, svc := range c.services {
		result = append(result, svc)
	}
	return result
}

// characteristic looks a characteristic up by any UUID form.
func (c *BLEConnection) characteristic(uuid string) (*BLECharacteristic, error) {
	char, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok || char.BLEChar == nil {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return char, nil
}

// Write sends data to the characteristic. Writes are serialized per link.
func (c *BLEConnection) Write(charUUID string, data []byte, withResponse bool) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"char_uuid":     char.uuid,
		"bytes":         len(data),
		"with_response": withResponse,
	}).Debug("Writing characteristic")

	return NormalizeError(c.client.WriteCharacteristic(char.BLEChar, data, !withResponse))
}

// Subscribe enables notifications for the characteristic, falling back to
// indications when the characteristic only supports those.
func (c *BLEConnection) Subscribe(charUUID string, handler func(data []byte)) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}

	supported, indicate := canNotify(char.BLEChar.Property)
	if !supported {
		return fmt.Errorf("characteristic %s does not support notifications: %w", char.uuid, device.ErrUnsupported)
	}
	if char.BLEChar.CCCD == nil {
		return fmt.Errorf("characteristic %s has no CCCD: %w", char.uuid, device.ErrUnsupported)
	}

	c.logger.WithFields(logrus.Fields{
		"char_uuid": char.uuid,
		"indicate":  indicate,
	}).Debug("Subscribing to characteristic")

	return NormalizeError(c.client.Subscribe(char.BLEChar, indicate, func(req []byte) {
		handler(req)
	}))
}

// Unsubscribe disables notifications for the characteristic.
func (c *BLEConnection) Unsubscribe(charUUID string) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}
	return c.tryUnsubscribe(char)
}

// tryUnsubscribe attempts to unsubscribe using both notify and indicate modes.
// Returns error only if both modes fail.
func (c *BLEConnection) tryUnsubscribe(char *BLECharacteristic) error {
	err1 := NormalizeError(c.client.Unsubscribe(char.BLEChar, false)) // notify
	err2 := NormalizeError(c.client.Unsubscribe(char.BLEChar, true))  // indicate

	if err1 != nil && err2 != nil {
		c.logger.WithFields(logrus.Fields{
			"char_uuid":   char.uuid,
			"notifyErr":   err1,
			"indicateErr": err2,
		}).Error("Failed to unsubscribe from characteristic notifications")
		return fmt.Errorf("%s: notify=%v, indicate=%v", char.uuid, err1, err2)
	}

	c.logger.WithField("char_uuid", char.uuid).Debug("Unsubscribed from characteristic notifications")
	return nil
}

// Disconnected is closed by go-ble when the link goes down.
func (c *BLEConnection) Disconnected() <-chan struct{} {
	return c.client.Disconnected()
}

// Disconnect tears the link down.
func (c *BLEConnection) Disconnect() error {
	c.logger.WithField("address", c.address).Debug("Cancelling BLE connection")
	return NormalizeError(c.client.CancelConnection())
}
