package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	goble "github.com/srg/bleproxy/internal/device/go-ble"
	"github.com/srg/bleproxy/internal/devicefactory"
	"github.com/srg/bleproxy/inspector"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: `Connects to a BLE device by address, lists its GATT services and
characteristics with their properties, then disconnects.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectConnectTimeout time.Duration
	inspectAdapter        string
	inspectJSON           bool
)

func init() {
	inspectCmd.Flags().DurationVar(&inspectConnectTimeout, "connect-timeout", inspector.DefaultConnectTimeout, "Connection timeout")
	inspectCmd.Flags().StringVarP(&inspectAdapter, "adapter", "a", "", "BLE adapter, e.g. hci0")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	adapterName := inspectAdapter
	if adapterName == "" {
		adapterName = cfg.DefaultAdapter
	}

	stack := devicefactory.NewStack(logger, goble.StackOptions{ConnectTimeout: inspectConnectTimeout})

	ctx, stop := signal.NotifyContext(resolveContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := inspector.InspectDevice(ctx, stack, address, &inspector.InspectOptions{
		Adapter:        adapterName,
		ConnectTimeout: inspectConnectTimeout,
	}, logger, inspector.DescribeProfile)
	if err != nil {
		return err
	}

	if inspectJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return displayReport(cmd.OutOrStdout(), report)
}

func displayReport(out io.Writer, report inspector.Report) error {
	bold := color.New(color.Bold)
	if _, err := fmt.Fprintf(out, "%s (%s)\n", bold.Sprint(report.Device.Name), report.Device.Address); err != nil {
		return err
	}
	for _, svc := range report.GATT {
		fmt.Fprintf(out, "  Service %s\n", color.New(color.FgCyan).Sprint(svc.UUID))
		for _, char := range svc.Characteristics {
			fmt.Fprintf(out, "    Characteristic %s [%s]\n", char.UUID, strings.Join(char.Properties, ", "))
		}
	}
	return nil
}
