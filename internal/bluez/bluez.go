// Package bluez lists the host's Bluetooth adapters through the BlueZ D-Bus API.
package bluez

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// ManagedObjects is the reply of ObjectManager.GetManagedObjects.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// AdapterInfo describes one local adapter.
type AdapterInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Powered bool   `json:"powered"`
}

// Lister enumerates adapters over the system bus.
type Lister struct {
	logger *logrus.Logger
	// connect is replaced in tests.
	connect func() (*dbus.Conn, error)
}

func NewLister(logger *logrus.Logger) *Lister {
	return &Lister{
		logger:  logger,
		connect: func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() },
	}
}

// ListAdapters returns the adapters known to BlueZ, sorted by name. Any
// failure is logged and yields an empty list.
func (l *Lister) ListAdapters(ctx context.Context) []AdapterInfo {
	objects, err := l.managedObjects(ctx)
	if err != nil {
		l.logger.WithField("error", err).Warn("Failed to enumerate BlueZ adapters")
		return []AdapterInfo{}
	}
	return ParseAdapters(objects)
}

func (l *Lister) managedObjects(ctx context.Context) (ManagedObjects, error) {
	conn, err := l.connect()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	var objects ManagedObjects
	call := conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return objects, nil
}

// ParseAdapters extracts every org.bluez.Adapter1 object. The adapter name is
// the last element of its object path ("/org/bluez/hci0" is "hci0").
func ParseAdapters(objects ManagedObjects) []AdapterInfo {
	adapters := make([]AdapterInfo, 0)
	for objPath, ifaces := range objects {
		props, ok := ifaces[bluezAdapter1]
		if !ok {
			continue
		}

		info := AdapterInfo{Name: path.Base(string(objPath))}
		if v, ok := props["Address"]; ok {
			info.Address, _ = v.Value().(string)
		}
		if v, ok := props["Powered"]; ok {
			info.Powered, _ = v.Value().(bool)
		}
		adapters = append(adapters, info)
	}

	sort.Slice(adapters, func(i, j int) bool { return adapters[i].Name < adapters[j].Name })
	return adapters
}
