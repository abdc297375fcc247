package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type DiscoveryTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *DiscoveryTestSuite) SetupTest() {
	s.WithPeripheral().WithAddress("AA:00:00:00:00:01").WithName("Strong").WithRSSI(-40).WithService("180d")
	s.WithPeripheral().WithAddress("AA:00:00:00:00:02").WithName("Weak").WithRSSI(-90).WithService("180f")
	s.WithPeripheral().WithAddress("AA:00:00:00:00:03").WithRSSI(-60).WithService("180d").Hidden()
	s.WithAdvertisement().WithAddress("AA:00:00:00:00:04").WithServices("0000180D-0000-1000-8000-00805F9B34FB")

	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *DiscoveryTestSuite) newAdapter() *Adapter {
	return New(s.Stack, s.LogEntry(), Options{DefaultAdapter: "hci0"})
}

func (s *DiscoveryTestSuite) TestDiscoverDevices() {
	s.Run("all devices sorted by signal strength", func() {
		devices, err := s.newAdapter().DiscoverDevices(context.Background(), "", 50*time.Millisecond, "")
		s.Require().NoError(err)

		s.Equal([]device.DeviceSummary{
			{Name: "Strong", Address: "AA:00:00:00:00:01", RSSI: -40},
			{Name: "Weak", Address: "AA:00:00:00:00:02", RSSI: -90},
			{Name: device.UnknownName, Address: "AA:00:00:00:00:04", RSSI: device.UnknownRSSI},
		}, devices, "hidden peripherals MUST NOT be listed and missing fields MUST use sentinels")
		s.Equal([]string{"hci0"}, s.Stack.Scans(), "default adapter MUST be used when none is given")
	})

	s.Run("service filter accepts any UUID form", func() {
		devices, err := s.newAdapter().DiscoverDevices(context.Background(), "180D", 50*time.Millisecond, "hci1")
		s.Require().NoError(err)

		s.Require().Len(devices, 2)
		s.Equal("AA:00:00:00:00:01", devices[0].Address)
		s.Equal("AA:00:00:00:00:04", devices[1].Address)
	})
}

func (s *DiscoveryTestSuite) TestDiscoverNothingWithinTimeout() {
	// GOAL: Verify discovery with no devices present returns an empty list within the timeout
	//
	// TEST SCENARIO: Empty radio, 100ms discovery → [] returned before timeout plus grace

	empty := New(testutils.NewMockStack(), s.LogEntry(), Options{})

	start := time.Now()
	devices, err := empty.DiscoverDevices(context.Background(), "", 100*time.Millisecond, "")
	s.Require().NoError(err)
	s.NotNil(devices, "empty result MUST be an empty list, not nil")
	s.Empty(devices)
	s.Less(time.Since(start), 100*time.Millisecond+scanGrace+200*time.Millisecond)
}

func (s *DiscoveryTestSuite) TestDiscoverNeverHangs() {
	// GOAL: Verify discovery returns partial results even if the stack overruns its deadline
	//
	// TEST SCENARIO: Stack keeps scanning 5s past deadline → results returned after the grace period

	s.Stack.WithScanOverrun(5 * time.Second)

	start := time.Now()
	devices, err := s.newAdapter().DiscoverDevices(context.Background(), "", 50*time.Millisecond, "")
	s.Require().NoError(err)
	s.Len(devices, 3)
	s.Less(time.Since(start), time.Second, "discovery MUST NOT wait for a stuck stack")
}

func (s *DiscoveryTestSuite) TestDiscoverFailures() {
	s.Run("unavailable radio", func() {
		broken := New(testutils.NewMockStack().Unavailable("no hci0"), s.LogEntry(), Options{})
		_, err := broken.DiscoverDevices(context.Background(), "", 50*time.Millisecond, "")
		s.ErrorIs(err, device.ErrBLEUnavailable)
		s.Equal("ble_unavailable", device.ErrorKind(err))
	})

	s.Run("scan error", func() {
		s.Stack.WithScanError(errors.New("hci: command disallowed"))
		_, err := s.newAdapter().DiscoverDevices(context.Background(), "", 50*time.Millisecond, "")

		var opErr *device.OperationError
		s.Require().ErrorAs(err, &opErr)
		s.Equal(device.OpDiscover, opErr.Op)
	})
}

func TestDiscoveryTestSuite(t *testing.T) {
	suite.Run(t, new(DiscoveryTestSuite))
}
