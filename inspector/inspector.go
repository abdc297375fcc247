package inspector

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
)

// DefaultConnectTimeout bounds the connection made for an inspection.
const DefaultConnectTimeout = 30 * time.Second

// InspectOptions defines options for inspecting a BLE device profile
type InspectOptions struct {
	Adapter        string
	ConnectTimeout time.Duration
}

// InspectCallback processes a connected device and produces output of type R
type InspectCallback[R any] func(device.Connection) (R, error)

// InspectDevice connects to a device, discovers its profile, and executes the callback with the connection.
// The connection is always released after the callback returns.
func InspectDevice[R any](ctx context.Context, stack device.Stack, address string, opts *InspectOptions, logger *logrus.Logger, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = &InspectOptions{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	log := logger.WithFields(logrus.Fields{
		"address": address,
		"adapter": opts.Adapter,
	})
	log.Info("Inspecting BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	conn, err := stack.Dial(dialCtx, opts.Adapter, address)
	if err != nil {
		return zero, &device.OperationError{Op: device.OpConnect, Target: address, Err: err}
	}

	defer func() {
		if err := conn.Disconnect(); err != nil {
			log.WithError(err).Error("failed to disconnect device")
		}
	}()

	return callback(conn)
}

// DeviceInfo identifies the inspected device.
type DeviceInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// CharacteristicInfo is one characteristic of the GATT layout.
type CharacteristicInfo struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties"`
}

// ServiceInfo is one service of the GATT layout, in discovery order.
type ServiceInfo struct {
	UUID            string               `json:"uuid"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

// Report is the result of an inspection.
type Report struct {
	Device DeviceInfo    `json:"device"`
	GATT   []ServiceInfo `json:"gatt"`
}

// DescribeProfile is an InspectCallback that captures the GATT layout.
func DescribeProfile(conn device.Connection) (Report, error) {
	name := strings.TrimSpace(conn.Name())
	if name == "" {
		name = device.UnknownName
	}

	report := Report{
		Device: DeviceInfo{Name: name, Address: conn.Address()},
		GATT:   make([]ServiceInfo, 0, len(conn.Services())),
	}
	for _, svc := range conn.Services() {
		info := ServiceInfo{UUID: svc.UUID(), Characteristics: make([]CharacteristicInfo, 0)}
		for _, char := range svc.GetCharacteristics() {
			props := char.Properties()
			if props == nil {
				props = []string{}
			}
			info.Characteristics = append(info.Characteristics, CharacteristicInfo{UUID: char.UUID(), Properties: props})
		}
		report.GATT = append(report.GATT, info)
	}
	return report, nil
}
