package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/bluez"
	"github.com/srg/bleproxy/internal/device"
	goble "github.com/srg/bleproxy/internal/device/go-ble"
	"github.com/srg/bleproxy/internal/devicefactory"
	"github.com/srg/bleproxy/internal/server"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/srg/bleproxy/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type fakeLister []bluez.AdapterInfo

func (f fakeLister) ListAdapters(context.Context) []bluez.AdapterInfo { return f }

// CommandTestSuite runs CLI commands against the mock radio stack.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite

	originalNewStack  func(*logrus.Logger, goble.StackOptions) devicefactory.Stack
	originalNewLister func(*logrus.Logger) server.AdapterLister
	originalNoColor   bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.MockBLEPeripheralSuite.SetupSuite()
	s.originalNewStack = devicefactory.NewStack
	s.originalNewLister = newAdapterLister
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	devicefactory.NewStack = s.originalNewStack
	newAdapterLister = s.originalNewLister
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) SetupTest() {
	s.WithPeripheral().WithAddress("AA:00:00:00:00:01").WithName("Strong").WithRSSI(-40).
		WithService("180d").WithCharacteristic("2a37", "read,notify")
	s.WithPeripheral().WithAddress("AA:00:00:00:00:02").WithName("A-very-long-peripheral-name").WithRSSI(-90).WithService("180f")
	s.MockBLEPeripheralSuite.SetupTest()

	devicefactory.NewStack = func(*logrus.Logger, goble.StackOptions) devicefactory.Stack { return s.Stack }
	s.resetFlags()
}

// resetFlags restores flag values between runs for proper isolation.
func (s *CommandTestSuite) resetFlags() {
	s.Require().NoError(rootCmd.PersistentFlags().Set("log-level", ""))
	scanDuration = 5 * time.Second
	scanFormat = "table"
	scanService = ""
	scanAdapter = ""
	adaptersFormat = "table"
	inspectAdapter = ""
	inspectJSON = false
}

// ExecuteCommand runs the root command with args and returns stdout.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func (s *CommandTestSuite) TestScanTable() {
	out, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
NAME                  ADDRESS            RSSI
Strong                AA:00:00:00:00:01  -40 dBm
A-very-long-perip...  AA:00:00:00:00:02  -90 dBm
`)
}

func (s *CommandTestSuite) TestScanJSONWithServiceFilter() {
	out, err := s.ExecuteCommand("scan", "--duration", "50ms", "--format", "json", "--service", "180F", "--adapter", "hci1")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{"name": "A-very-long-peripheral-name", "address": "AA:00:00:00:00:02", "rssi": -90}
	]`)
	s.Equal([]string{"hci1"}, s.Stack.Scans(), "scan MUST use the requested adapter")
}

func (s *CommandTestSuite) TestScanRejectsBadArguments() {
	tests := []struct {
		args    []string
		wantErr string
	}{
		{args: []string{"scan", "--format", "xml"}, wantErr: "invalid format 'xml'"},
		{args: []string{"scan", "--service", "zz"}, wantErr: "invalid service UUID"},
		{args: []string{"scan", "--duration", "0s"}, wantErr: "invalid duration"},
		{args: []string{"scan", "--log-level", "chatty"}, wantErr: "invalid log level: chatty"},
	}

	for _, tt := range tests {
		s.Run(tt.wantErr, func() {
			s.resetFlags()
			_, err := s.ExecuteCommand(tt.args...)
			s.ErrorContains(err, tt.wantErr)
		})
	}
}

func (s *CommandTestSuite) TestScanUnavailableStack() {
	s.Stack.Unavailable("no hci0")

	_, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().ErrorIs(err, device.ErrBLEUnavailable)
	s.Contains(FormatUserError(err), "Bluetooth is not available")
}

func (s *CommandTestSuite) TestInspect() {
	s.Run("tree", func() {
		out, err := s.ExecuteCommand("inspect", "AA:00:00:00:00:01", "--adapter", "hci1")
		s.Require().NoError(err)

		testutils.NewTextAsserter(s.T()).Assert(out, `
Strong (AA:00:00:00:00:01)
  Service 180d
    Characteristic 2a37 [read, notify]
`)
		s.Equal("hci1", s.Stack.LastConnection().Adapter())
		s.True(s.Stack.LastConnection().Closed(), "inspect MUST disconnect")
	})

	s.Run("json", func() {
		out, err := s.ExecuteCommand("inspect", "AA:00:00:00:00:02", "--json")
		s.Require().NoError(err)

		testutils.NewJSONAsserter(s.T()).Assert(out, `{
			"device": {"name": "A-very-long-peripheral-name", "address": "AA:00:00:00:00:02"},
			"gatt": [{"uuid": "180f", "characteristics": "<<PRESENCE>>"}]
		}`)
	})

	s.Run("unknown device", func() {
		s.resetFlags()
		_, err := s.ExecuteCommand("inspect", "00:00:00:00:00:00")
		s.Require().Error(err)
		s.Contains(FormatUserError(err), "Connect failed")
	})
}

func (s *CommandTestSuite) TestAdapters() {
	newAdapterLister = func(*logrus.Logger) server.AdapterLister {
		return fakeLister{
			{Name: "hci0", Address: "B8:27:EB:00:00:01", Powered: true},
			{Name: "hci1", Address: "00:1A:7D:DA:71:13"},
		}
	}

	s.Run("table", func() {
		out, err := s.ExecuteCommand("adapters")
		s.Require().NoError(err)
		testutils.NewTextAsserter(s.T()).Assert(out, `
NAME  ADDRESS            POWERED
hci0  B8:27:EB:00:00:01  yes
hci1  00:1A:7D:DA:71:13  no
`)
	})

	s.Run("json", func() {
		out, err := s.ExecuteCommand("adapters", "--format", "json")
		s.Require().NoError(err)
		testutils.NewJSONAsserter(s.T()).Assert(out, `[
			{"name": "hci0", "address": "B8:27:EB:00:00:01", "powered": true},
			{"name": "hci1", "address": "00:1A:7D:DA:71:13", "powered": false}
		]`)
	})

	s.Run("none", func() {
		adaptersFormat = "table"
		newAdapterLister = func(*logrus.Logger) server.AdapterLister { return fakeLister{} }
		out, err := s.ExecuteCommand("adapters")
		s.Require().NoError(err)
		testutils.NewTextAsserter(s.T()).Assert(out, "No adapters found")
	})
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "bluetooth off", err: device.ErrBluetoothOff, expected: "Bluetooth is turned off. Turn it on and try again."},
		{name: "no device", err: fmt.Errorf("%w advertising service 180d", device.ErrNoDeviceFound), expected: "No matching device found: no device found advertising service 180d"},
		{name: "timeout", err: fmt.Errorf("scan: %w", context.DeadlineExceeded), expected: "Operation timed out."},
		{name: "operation", err: &device.OperationError{Op: device.OpConnect, Target: "AA", Err: errors.New("refused")}, expected: "Connect failed: refused"},
		{name: "other", err: errors.New("boom"), expected: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestServerOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DiscoverTimeout = 9
	cfg.ProfileEnvPath = "/srv/app/.env"
	cfg.DefaultAdapter = "hci1"

	opts := serverOptions(cfg)

	assert.Equal(t, "/srv/app/.env", opts.ProfileEnvPath)
	assert.Equal(t, cfg.ConnectTimeout, opts.InspectTimeout)
	assert.Equal(t, 9, opts.Session.DiscoverTimeout, "discover default MUST reach every session")
	assert.Equal(t, "hci1", opts.Session.DefaultAdapter)
	assert.Equal(t, cfg.WriteTimeout, opts.Session.WriteTimeout)
}
