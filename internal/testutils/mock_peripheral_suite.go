package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// DefaultPeripheralAddress is the address of the peripheral installed when a
// suite configures none.
const DefaultPeripheralAddress = "AA:BB:CC:DD:EE:01"

// MockBLEPeripheralSuite provides a reusable test suite backed by an in-memory
// radio stack.
//
// Basic usage (automatic setup with the default heart rate peripheral):
//
//	type SimpleSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom peripherals are configured before calling the parent SetupTest:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithAddress("11:22:33:44:55:66").
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify")
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Logger      *logrus.Logger
	Stack       *MockStack
	TestTimeout time.Duration

	peripherals    []*PeripheralDeviceBuilder
	advertisements []*AdvertisementBuilder
}

// SetupSuite initializes the logger. Called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Logger = NewTestLogger()
	s.TestTimeout = 10 * time.Second
}

// SetupTest builds the mock stack from the configured peripherals.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if len(s.peripherals) == 0 {
		s.peripherals = append(s.peripherals, DefaultPeripheral())
	}

	s.Stack = NewMockStack()
	for _, b := range s.peripherals {
		s.Stack.WithPeripheral(b.Build())
	}
	for _, b := range s.advertisements {
		s.Stack.WithAdvertisements(b.Build())
	}
}

// TearDownTest resets the configuration after each test.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	s.peripherals = nil
	s.advertisements = nil
}

// WithPeripheral adds a peripheral and returns its builder for configuration.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	b := NewPeripheralDeviceBuilder()
	s.peripherals = append(s.peripherals, b)
	return b
}

// WithAdvertisement adds a scan-only advertisement.
func (s *MockBLEPeripheralSuite) WithAdvertisement() *AdvertisementBuilder {
	b := NewAdvertisementBuilder()
	s.advertisements = append(s.advertisements, b)
	return b
}

// LogEntry returns a logger entry tagged with the running test name.
func (s *MockBLEPeripheralSuite) LogEntry() *logrus.Entry {
	return s.Logger.WithField("test", s.T().Name())
}

// DefaultPeripheral is a heart rate monitor that also exposes a battery
// service and a Nordic UART service.
func DefaultPeripheral() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().FromJSON(`
	{
		"address": %q,
		"name": "HRM-Test",
		"rssi": -55,
		"services": [
			{
				"uuid": "0000180d-0000-1000-8000-00805f9b34fb",
				"characteristics": [
					{ "uuid": "00002a37-0000-1000-8000-00805f9b34fb", "properties": "read,notify" },
					{ "uuid": "00002a39-0000-1000-8000-00805f9b34fb", "properties": "write" }
				]
			},
			{
				"uuid": "0000180f-0000-1000-8000-00805f9b34fb",
				"characteristics": [
					{ "uuid": "00002a19-0000-1000-8000-00805f9b34fb", "properties": "read,notify" }
				]
			},
			{
				"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
				"characteristics": [
					{ "uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write,write_without_response" },
					{ "uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "notify" }
				]
			}
		]
	}`, DefaultPeripheralAddress)
}
