package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/bluez"
	"github.com/srg/bleproxy/internal/server"
)

// adaptersCmd represents the adapters command
var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List the host's Bluetooth adapters",
	Long: `List the Bluetooth adapters BlueZ knows about, with their address and
power state. Prints nothing but a notice on hosts without BlueZ.`,
	RunE: runAdapters,
}

var adaptersFormat string

// newAdapterLister creates the adapter source (can be overridden in tests)
var newAdapterLister = func(logger *logrus.Logger) server.AdapterLister {
	return bluez.NewLister(logger)
}

func init() {
	adaptersCmd.Flags().StringVarP(&adaptersFormat, "format", "f", "table", "Output format (table, json)")
}

func runAdapters(cmd *cobra.Command, _ []string) error {
	if adaptersFormat != "table" && adaptersFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of %v", adaptersFormat, validFormats)
	}

	_, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	adapters := newAdapterLister(logger).ListAdapters(resolveContext(cmd.Context()))

	out := cmd.OutOrStdout()
	if adaptersFormat == "json" {
		return writeJSON(out, adapters)
	}
	return displayAdaptersTable(out, adapters)
}

func displayAdaptersTable(out io.Writer, adapters []bluez.AdapterInfo) error {
	if len(adapters) == 0 {
		_, err := fmt.Fprintln(out, "No adapters found")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tPOWERED")
	for _, a := range adapters {
		powered := color.New(color.FgRed).Sprint("no")
		if a.Powered {
			powered = color.New(color.FgGreen).Sprint("yes")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, a.Address, powered)
	}
	return w.Flush()
}
