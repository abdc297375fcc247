package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
)

// scanGrace is how long a scan may overrun its deadline before results are
// returned without waiting for the stack to stop.
const scanGrace = 250 * time.Millisecond

// sighting is the latest advertisement seen for one address. Sightings are
// replaced, never mutated, so results can be read while a scan winds down.
type sighting struct {
	name  string
	rssi  int
	order int64
}

// discovery collects advertisements for one scan.
type discovery struct {
	serviceUUID string
	devices     *hashmap.Map[string, *sighting]
	seen        atomic.Int64
	onMatch     func(addr string)
}

func newDiscovery(serviceUUID string) *discovery {
	return &discovery{
		serviceUUID: device.NormalizeUUID(serviceUUID),
		devices:     hashmap.New[string, *sighting](),
	}
}

// handleAdvertisement updates an existing sighting or records a new one.
// Advertisements are delivered on the stack's goroutine, one at a time.
func (d *discovery) handleAdvertisement(adv device.Advertisement) {
	addr := adv.Addr()
	if addr == "" {
		return
	}

	prev, existing := d.devices.Get(addr)
	if !existing && !d.advertisesService(adv) {
		return
	}

	next := &sighting{name: device.UnknownName, rssi: device.UnknownRSSI}
	if existing {
		*next = *prev
	} else {
		next.order = d.seen.Add(1)
	}
	if name := adv.LocalName(); name != "" {
		next.name = name
	}
	if rssi := adv.RSSI(); rssi != 0 {
		next.rssi = rssi
	}
	d.devices.Set(addr, next)

	if !existing && d.onMatch != nil {
		d.onMatch(addr)
	}
}

func (d *discovery) advertisesService(adv device.Advertisement) bool {
	if d.serviceUUID == "" {
		return true
	}
	for _, svc := range adv.Services() {
		if device.NormalizeUUID(svc) == d.serviceUUID {
			return true
		}
	}
	return false
}

// results returns the sightings sorted by signal strength, strongest first,
// then by first-seen order.
func (d *discovery) results() []device.DeviceSummary {
	entries := make([]*sighting, 0, d.devices.Len())
	addrs := make(map[*sighting]string, d.devices.Len())
	d.devices.Range(func(addr string, s *sighting) bool {
		entries = append(entries, s)
		addrs[s] = addr
		return true
	})

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rssi != entries[j].rssi {
			return entries[i].rssi > entries[j].rssi
		}
		return entries[i].order < entries[j].order
	})

	summaries := make([]device.DeviceSummary, len(entries))
	for i, s := range entries {
		summaries[i] = device.DeviceSummary{Name: s.name, Address: addrs[s], RSSI: s.rssi}
	}
	return summaries
}

// scan runs the stack scan for at most timeout. It returns whatever was
// collected when the deadline passes, even if the stack has not stopped yet.
func (a *Adapter) scan(ctx context.Context, d *discovery, timeout time.Duration, adapterName string) error {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.onMatch != nil {
		next := d.onMatch
		d.onMatch = func(addr string) {
			next(addr)
			cancel()
		}
	}

	errCh := make(chan error, 1)
	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		errCh <- a.stack.Scan(ctx, adapterName, d.handleAdvertisement)
	})

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	case <-scanCtx.Done():
	}

	// The deadline passed; give the stack a moment to stop, then move on.
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	case <-time.After(scanGrace):
		a.logger.WithField("adapter", adapterName).Warn("BLE scan did not stop at its deadline, returning partial results")
	}
	return nil
}

// DiscoverDevices scans for timeout and returns every peripheral seen,
// restricted to those advertising serviceUUID when it is set.
func (a *Adapter) DiscoverDevices(ctx context.Context, serviceUUID string, timeout time.Duration, adapterName string) ([]device.DeviceSummary, error) {
	adapterName = a.adapterName(adapterName)
	log := a.logger.WithFields(logrus.Fields{
		"service_uuid": serviceUUID,
		"adapter":      adapterName,
		"timeout":      timeout,
	})
	log.Info("Starting BLE discovery...")

	d := newDiscovery(serviceUUID)
	if err := a.scan(ctx, d, timeout, adapterName); err != nil {
		log.WithField("error", err).Error("BLE discovery failed")
		return nil, &device.OperationError{Op: device.OpDiscover, Err: err}
	}

	devices := d.results()
	log.WithField("device_count", len(devices)).Info("BLE discovery completed")
	return devices, nil
}

// findFirst scans until the first peripheral advertising serviceUUID is seen.
func (a *Adapter) findFirst(ctx context.Context, serviceUUID string, timeout time.Duration, adapterName string) (device.DeviceSummary, error) {
	d := newDiscovery(serviceUUID)
	matches := make(chan string, 1)
	d.onMatch = func(addr string) {
		select {
		case matches <- addr:
		default:
		}
	}

	if err := a.scan(ctx, d, timeout, adapterName); err != nil {
		return device.DeviceSummary{}, err
	}

	select {
	case addr := <-matches:
		s, _ := d.devices.Get(addr)
		return device.DeviceSummary{Name: s.name, Address: addr, RSSI: s.rssi}, nil
	default:
		return device.DeviceSummary{}, fmt.Errorf("%w advertising service %s", device.ErrNoDeviceFound, serviceUUID)
	}
}
