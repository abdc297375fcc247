// Package adapter owns the single radio link of one proxy session.
//
// An Adapter is created per session and is never shared. It tracks the live
// connection and its subscribed characteristics. When the link drops, the
// subscription set is cleared before the connection is forgotten, whether the
// drop was requested or initiated by the device.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultConnectDiscoveryTimeout bounds the discovery run by a connect
// without an address.
const DefaultConnectDiscoveryTimeout = 10 * time.Second

// Options configures an Adapter.
type Options struct {
	// DefaultAdapter is used when an operation names no adapter.
	DefaultAdapter          string
	ConnectDiscoveryTimeout time.Duration
	// OnLinkLost is called after a device-initiated disconnect has been
	// processed, with the adapter lock released. It runs on the link's
	// monitor goroutine and must return promptly.
	OnLinkLost func(address string)
}

// Info describes the live connection.
type Info struct {
	Name       string
	Address    string
	Services   []string
	Subscribed []string
}

// link is the state of one established connection.
type link struct {
	conn     device.Connection
	name     string
	services *orderedmap.OrderedMap[string, string]
	// subscribed maps normalized characteristic UUIDs to the form the client used.
	subscribed *orderedmap.OrderedMap[string, string]
	stop       chan struct{}
	stopOnce   sync.Once
}

// Adapter is the per-session owner of one BLE link.
type Adapter struct {
	stack  device.Stack
	logger *logrus.Entry
	opts   Options

	mu   sync.Mutex
	link *link
}

// New creates an Adapter on top of stack.
func New(stack device.Stack, logger *logrus.Entry, opts Options) *Adapter {
	if opts.ConnectDiscoveryTimeout <= 0 {
		opts.ConnectDiscoveryTimeout = DefaultConnectDiscoveryTimeout
	}
	return &Adapter{stack: stack, logger: logger, opts: opts}
}

func (a *Adapter) adapterName(name string) string {
	if strings.TrimSpace(name) == "" {
		return a.opts.DefaultAdapter
	}
	return name
}

// IsConnected reports whether a link is live.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link != nil
}

// Info returns a snapshot of the live connection.
func (a *Adapter) Info() (Info, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link == nil {
		return Info{}, false
	}
	return a.link.info(), true
}

func (l *link) info() Info {
	info := Info{
		Name:       l.name,
		Address:    l.conn.Address(),
		Services:   make([]string, 0, l.services.Len()),
		Subscribed: make([]string, 0, l.subscribed.Len()),
	}
	for pair := l.services.Oldest(); pair != nil; pair = pair.Next() {
		info.Services = append(info.Services, pair.Value)
	}
	for pair := l.subscribed.Oldest(); pair != nil; pair = pair.Next() {
		info.Subscribed = append(info.Subscribed, pair.Value)
	}
	return info
}

// hasCharacteristic reports whether the connected profile exposes charUUID.
func (l *link) hasCharacteristic(charUUID string) bool {
	for _, svc := range l.conn.Services() {
		for _, char := range svc.GetCharacteristics() {
			if device.EqualUUID(char.UUID(), charUUID) {
				return true
			}
		}
	}
	return false
}

// Connect establishes a link, disconnecting any live one first. address takes
// precedence; without it the first peripheral advertising serviceUUID is used.
// On failure no connection is retained.
func (a *Adapter) Connect(ctx context.Context, serviceUUID, address, adapterName string) (Info, error) {
	if err := a.Disconnect(); err != nil {
		a.logger.WithField("error", err).Warn("Disconnect before connect failed")
	}

	adapterName = a.adapterName(adapterName)
	name := ""

	if strings.TrimSpace(address) == "" {
		if strings.TrimSpace(serviceUUID) == "" {
			return Info{}, &device.OperationError{Op: device.OpConnect, Err: errors.New("either service_uuid or device_address is required")}
		}
		a.logger.WithFields(logrus.Fields{
			"service_uuid": serviceUUID,
			"adapter":      adapterName,
		}).Info("Looking for a device advertising service...")

		found, err := a.findFirst(ctx, serviceUUID, a.opts.ConnectDiscoveryTimeout, adapterName)
		if err != nil {
			return Info{}, &device.OperationError{Op: device.OpConnect, Err: err}
		}
		address = found.Address
		if found.Name != device.UnknownName {
			name = found.Name
		}
	}

	log := a.logger.WithFields(logrus.Fields{"address": address, "adapter": adapterName})
	log.Info("Connecting to BLE device...")

	conn, err := a.stack.Dial(ctx, adapterName, address)
	if err != nil {
		log.WithField("error", err).Error("Failed to connect")
		return Info{}, &device.OperationError{Op: device.OpConnect, Target: address, Err: err}
	}
	if err := ctx.Err(); err != nil {
		_ = a.teardown(conn, log)
		return Info{}, &device.OperationError{Op: device.OpConnect, Target: address, Err: err}
	}

	if n := strings.TrimSpace(conn.Name()); n != "" {
		name = n
	}
	if name == "" {
		name = device.UnknownName
	}

	l := &link{
		conn:       conn,
		name:       name,
		services:   orderedmap.New[string, string](),
		subscribed: orderedmap.New[string, string](),
		stop:       make(chan struct{}),
	}
	for _, svc := range conn.Services() {
		l.services.Set(device.NormalizeUUID(svc.UUID()), svc.UUID())
	}

	a.mu.Lock()
	a.link = l
	info := l.info()
	a.mu.Unlock()

	groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
		a.monitor(l)
	})

	log.WithFields(logrus.Fields{
		"name":     name,
		"services": len(info.Services),
	}).Info("BLE device connected")
	return info, nil
}

// monitor waits for the link to drop and resets state when the device went away.
func (a *Adapter) monitor(l *link) {
	select {
	case <-l.stop:
		return
	case <-l.conn.Disconnected():
	}

	a.mu.Lock()
	if a.link != l {
		a.mu.Unlock()
		return
	}
	dropped := l.subscribed.Len()
	l.subscribed = orderedmap.New[string, string]()
	a.link = nil
	a.mu.Unlock()

	address := l.conn.Address()
	a.logger.WithFields(logrus.Fields{
		"address":       address,
		"subscriptions": dropped,
	}).Warn("BLE device disconnected unexpectedly")

	if a.opts.OnLinkLost != nil {
		a.opts.OnLinkLost(address)
	}
}

// Disconnect unsubscribes every tracked characteristic, clears the set and
// tears the link down. It is a no-op when not connected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	l := a.link
	if l == nil {
		a.mu.Unlock()
		return nil
	}
	subscribed := make([]string, 0, l.subscribed.Len())
	for pair := l.subscribed.Oldest(); pair != nil; pair = pair.Next() {
		subscribed = append(subscribed, pair.Value)
	}
	a.mu.Unlock()

	log := a.logger.WithField("address", l.conn.Address())
	log.Info("Disconnecting BLE device...")

	for _, charUUID := range subscribed {
		if err := l.conn.Unsubscribe(charUUID); err != nil {
			log.WithFields(logrus.Fields{
				"char_uuid": charUUID,
				"error":     err,
			}).Warn("Failed to unsubscribe during disconnect")
		}
	}

	a.mu.Lock()
	if a.link == l {
		l.subscribed = orderedmap.New[string, string]()
		a.link = nil
	}
	a.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stop) })
	return a.teardown(l.conn, log)
}

// teardown drops the link.
func (a *Adapter) teardown(conn device.Connection, log *logrus.Entry) error {
	if err := conn.Disconnect(); err != nil {
		log.WithField("error", err).Warn("BLE device disconnected with errors")
		return &device.OperationError{Op: device.OpDisconnect, Target: conn.Address(), Err: err}
	}
	log.Info("BLE device disconnected")
	return nil
}

// current returns the live link or device.ErrNotConnected.
func (a *Adapter) current() (*link, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link == nil {
		return nil, device.ErrNotConnected
	}
	return a.link, nil
}

// Write sends payload to charUUID. With withResponse set it returns after the
// peripheral acknowledged the write.
func (a *Adapter) Write(charUUID string, payload []byte, withResponse bool) error {
	l, err := a.current()
	if err != nil {
		return err
	}

	if err := l.conn.Write(charUUID, payload, withResponse); err != nil {
		a.logger.WithFields(logrus.Fields{
			"char_uuid": charUUID,
			"error":     err,
		}).Error("Write failed")
		return &device.OperationError{Op: device.OpWrite, Target: charUUID, Err: err}
	}
	return nil
}

// Subscribe registers onNotify for charUUID. Subscribing again re-registers
// the handler and leaves the tracked set unchanged.
func (a *Adapter) Subscribe(charUUID string, onNotify func(charUUID string, payload []byte)) error {
	l, err := a.current()
	if err != nil {
		return err
	}
	if !l.hasCharacteristic(charUUID) {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
	}

	err = l.conn.Subscribe(charUUID, func(payload []byte) {
		onNotify(charUUID, payload)
	})
	if err != nil {
		return &device.OperationError{Op: device.OpSubscribe, Target: charUUID, Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link != l {
		return device.ErrNotConnected
	}
	if _, tracked := l.subscribed.Get(device.NormalizeUUID(charUUID)); !tracked {
		l.subscribed.Set(device.NormalizeUUID(charUUID), charUUID)
	}

	a.logger.WithField("char_uuid", charUUID).Info("Subscribed to characteristic")
	return nil
}

// Unsubscribe stops notifications for charUUID. Unsubscribing a
// characteristic that is not tracked only logs a warning.
func (a *Adapter) Unsubscribe(charUUID string) error {
	l, err := a.current()
	if err != nil {
		return err
	}

	key := device.NormalizeUUID(charUUID)
	a.mu.Lock()
	_, tracked := l.subscribed.Get(key)
	a.mu.Unlock()
	if !tracked {
		a.logger.WithField("char_uuid", charUUID).Warn("Not subscribed to characteristic")
		return nil
	}

	if err := l.conn.Unsubscribe(charUUID); err != nil {
		return &device.OperationError{Op: device.OpUnsubscribe, Target: charUUID, Err: err}
	}

	a.mu.Lock()
	l.subscribed.Delete(key)
	a.mu.Unlock()

	a.logger.WithField("char_uuid", charUUID).Info("Unsubscribed from characteristic")
	return nil
}
