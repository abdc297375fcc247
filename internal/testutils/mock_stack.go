package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srg/bleproxy/internal/device"
)

// MockStack is an in-memory device.Stack. Peripherals advertise once at the
// start of every scan; the scan then blocks until its context is done, like
// the real stack.
type MockStack struct {
	mu             sync.Mutex
	peripherals    []*MockPeripheral
	advertisements []device.Advertisement
	unavailable    error
	scanErr        error
	dialErr        error
	dialDelay      time.Duration
	scanOverrun    time.Duration
	scans          []string
	connections    []*MockConnection
}

// NewMockStack creates a stack with the given peripherals.
func NewMockStack(peripherals ...*MockPeripheral) *MockStack {
	return &MockStack{peripherals: peripherals}
}

// WithPeripheral adds a peripheral.
func (s *MockStack) WithPeripheral(p *MockPeripheral) *MockStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peripherals = append(s.peripherals, p)
	return s
}

// WithAdvertisements adds advertisements with no dialable peripheral behind them.
func (s *MockStack) WithAdvertisements(ads ...device.Advertisement) *MockStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertisements = append(s.advertisements, ads...)
	return s
}

// Unavailable makes every operation fail with err wrapped in device.ErrBLEUnavailable.
func (s *MockStack) Unavailable(reason string) *MockStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = fmt.Errorf("%w: %s", device.ErrBLEUnavailable, reason)
	return s
}

func (s *MockStack) WithScanError(err error) *MockStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanErr = err
	return s
}

func (s *MockStack) WithDialError(err error) *MockStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
	return s
}

func (s *MockStack) WithDialDelay(d time.Duration) *MockStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialDelay = d
	return s
}

// WithScanOverrun makes Scan keep running for d after its context is done,
// emulating a stack that does not stop on time.
func (s *MockStack) WithScanOverrun(d time.Duration) *MockStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanOverrun = d
	return s
}

// Probe reports whether the stack is usable. The adapter name is ignored.
func (s *MockStack) Probe(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable
}

func (s *MockStack) Scan(ctx context.Context, adapter string, handler func(device.Advertisement)) error {
	s.mu.Lock()
	if s.unavailable != nil {
		s.mu.Unlock()
		return s.unavailable
	}
	if s.scanErr != nil {
		s.mu.Unlock()
		return s.scanErr
	}
	s.scans = append(s.scans, adapter)
	ads := make([]device.Advertisement, 0, len(s.peripherals)+len(s.advertisements))
	for _, p := range s.peripherals {
		if !p.Config.Hidden {
			ads = append(ads, p.Advertisement())
		}
	}
	ads = append(ads, s.advertisements...)
	overrun := s.scanOverrun
	s.mu.Unlock()

	for _, adv := range ads {
		if ctx.Err() != nil {
			break
		}
		handler(adv)
	}

	<-ctx.Done()
	time.Sleep(overrun)
	return ctx.Err()
}

func (s *MockStack) Dial(ctx context.Context, adapter, address string) (device.Connection, error) {
	s.mu.Lock()
	if s.unavailable != nil {
		s.mu.Unlock()
		return nil, s.unavailable
	}
	dialErr, delay := s.dialErr, s.dialDelay
	var target *MockPeripheral
	for _, p := range s.peripherals {
		if strings.EqualFold(p.Config.Address, address) {
			target = p
			break
		}
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	if target == nil {
		return nil, fmt.Errorf("connection to %s timed out", address)
	}

	conn := newMockConnection(target, adapter)
	s.mu.Lock()
	s.connections = append(s.connections, conn)
	s.mu.Unlock()
	return conn, nil
}

// Scans returns the adapter names of every scan started so far.
func (s *MockStack) Scans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scans...)
}

// Connections returns every connection dialled so far, live or not.
func (s *MockStack) Connections() []*MockConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MockConnection(nil), s.connections...)
}

// LiveConnections returns the connections that have not been torn down.
func (s *MockStack) LiveConnections() []*MockConnection {
	var live []*MockConnection
	for _, c := range s.Connections() {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	return live
}

// LastConnection returns the most recently dialled connection or nil.
func (s *MockStack) LastConnection() *MockConnection {
	conns := s.Connections()
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}
