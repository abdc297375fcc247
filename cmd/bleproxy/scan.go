package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/device"
	goble "github.com/srg/bleproxy/internal/device/go-ble"
	"github.com/srg/bleproxy/internal/devicefactory"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for nearby Bluetooth Low Energy devices and print what was found,
strongest signal first. This runs the same discovery a proxy client gets
with a discover message.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanService  string
	scanAdapter  string
)

var validFormats = []string{"table", "json"}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanService, "service", "s", "", "Only list devices advertising this service UUID")
	scanCmd.Flags().StringVarP(&scanAdapter, "adapter", "a", "", "BLE adapter, e.g. hci0")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if !slices.Contains(validFormats, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, validFormats)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}
	if scanService != "" {
		if _, err := device.ValidateUUID(scanService); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack := devicefactory.NewStack(logger, goble.StackOptions{ConnectTimeout: cfg.ConnectTimeout})
	a := adapter.New(stack, logger.WithField("command", "scan"), adapter.Options{DefaultAdapter: cfg.DefaultAdapter})

	ctx, stop := signal.NotifyContext(resolveContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := a.DiscoverDevices(ctx, scanService, scanDuration, scanAdapter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		return writeJSON(out, devices)
	}
	return displayDevicesTable(out, devices)
}

func displayDevicesTable(out io.Writer, devices []device.DeviceSummary) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, d.Address, rssiColor(d.RSSI).Sprintf("%d dBm", d.RSSI))
	}
	return w.Flush()
}

// rssiColor grades signal strength.
func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// resolveContext returns ctx or Background when cobra was invoked without one.
func resolveContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
