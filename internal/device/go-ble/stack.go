package goble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/bleproxy/internal/device"
)

const (
	// DefaultConnectTimeout bounds a single Dial when the caller sets none.
	DefaultConnectTimeout = 30 * time.Second

	// openFailuresToTrip is how many consecutive adapter open failures
	// suspend further attempts for StackOptions.RetryBackoff.
	openFailuresToTrip = 3
)

// DeviceFactory creates the go-ble device for an adapter (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(adapter string) (ble.Device, error) {
	return newPlatformDevice(adapter)
}

// StackOptions configures a Stack.
type StackOptions struct {
	ConnectTimeout time.Duration
	// RetryBackoff is how long adapter opening is suspended after repeated failures.
	RetryBackoff time.Duration
}

// Stack implements device.Stack on top of go-ble. Opened adapters are shared
// by every caller in the process.
type Stack struct {
	logger  *logrus.Logger
	opts    StackOptions
	mu      sync.Mutex
	devices map[string]ble.Device
	breaker *gobreaker.CircuitBreaker[ble.Device]
}

// NewStack creates a Stack. Adapters are opened lazily.
func NewStack(logger *logrus.Logger, opts StackOptions) *Stack {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 10 * time.Second
	}

	s := &Stack{
		logger:  logger,
		opts:    opts,
		devices: make(map[string]ble.Device),
	}
	s.breaker = gobreaker.NewCircuitBreaker[ble.Device](gobreaker.Settings{
		Name:        "ble-adapter-open",
		MaxRequests: 1,
		Timeout:     opts.RetryBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= openFailuresToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("BLE adapter availability changed")
		},
	})
	return s
}

// Probe opens the adapter, reporting device.ErrBLEUnavailable when the host
// radio cannot be used.
func (s *Stack) Probe(adapter string) error {
	_, err := s.device(adapter)
	return err
}

func (s *Stack) device(adapter string) (ble.Device, error) {
	key := strings.TrimSpace(adapter)

	s.mu.Lock()
	defer s.mu.Unlock()

	if dev, ok := s.devices[key]; ok {
		return dev, nil
	}

	dev, err := s.breaker.Execute(func() (ble.Device, error) {
		return DeviceFactory(key)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: adapter initialisation suspended after repeated failures", device.ErrBLEUnavailable)
		}
		err = NormalizeError(err)
		if errors.Is(err, device.ErrBLEUnavailable) || errors.Is(err, device.ErrBluetoothOff) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", device.ErrBLEUnavailable, err)
	}

	s.logger.WithField("adapter", adapterLabel(key)).Info("BLE adapter opened")
	s.devices[key] = dev
	return dev, nil
}

// Scan delivers advertisements until ctx is done. Context expiry is not an error.
func (s *Stack) Scan(ctx context.Context, adapter string, handler func(device.Advertisement)) error {
	dev, err := s.device(adapter)
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return nil
	}
	return NormalizeError(err)
}

// Dial connects to address and discovers its full GATT profile.
func (s *Stack) Dial(ctx context.Context, adapter, address string) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := s.device(adapter)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	s.logger.WithFields(logrus.Fields{
		"address": address,
		"adapter": adapterLabel(adapter),
		"timeout": s.opts.ConnectTimeout,
	}).Debug("Dialing BLE device...")

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			s.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	conn := newBLEConnection(client, address, profile, s.logger)
	s.logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(conn.services),
		"characteristics": sortedKeys(conn.chars),
	}).Info("BLE device connected successfully")
	return conn, nil
}

// ParseAdapterIndex converts an adapter name ("hci1" or "1") into its HCI index.
func ParseAdapterIndex(adapter string) (int, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(adapter)), "hci")
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid adapter name %q: expected hciN", adapter)
	}
	return idx, nil
}

func adapterLabel(adapter string) string {
	if adapter == "" {
		return "default"
	}
	return adapter
}
