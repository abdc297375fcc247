package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/bluez"
	goble "github.com/srg/bleproxy/internal/device/go-ble"
	"github.com/srg/bleproxy/internal/devicefactory"
	"github.com/srg/bleproxy/internal/server"
	"github.com/srg/bleproxy/internal/session"
	"github.com/srg/bleproxy/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket proxy",
	Long: `Run the HTTP server exposing the BLE proxy.

Each WebSocket client connected to {prefix}/ws gets its own session and may
hold one BLE connection at a time. {prefix}/adapters lists the host adapters,
{prefix}/inspect reports a device's GATT layout, {prefix}/profile/env saves
profile UUIDs to profile_env_path and /healthz reports liveness.`,
	RunE: runServe,
}

var (
	serveListen  string
	serveAdapter string
	servePrefix  string
)

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (overrides listen_addr)")
	serveCmd.Flags().StringVarP(&serveAdapter, "adapter", "a", "", "Default BLE adapter, e.g. hci0 (overrides default_adapter)")
	serveCmd.Flags().StringVar(&servePrefix, "prefix", "", "API route prefix (overrides api_prefix)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack := devicefactory.NewStack(logger, goble.StackOptions{ConnectTimeout: cfg.ConnectTimeout})
	if err := stack.Probe(cfg.DefaultAdapter); err != nil {
		logger.WithField("error", err).Warn("BLE adapter is not usable yet, sessions will report it until it is")
	}

	srv := server.New(serverOptions(cfg), devicefactory.SessionFactory(stack, cfg.DefaultAdapter), bluez.NewLister(logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"version": formatVersion(version),
		"enabled": cfg.Enabled,
		"adapter": cfg.DefaultAdapter,
	}).Info("Starting BLE proxy")

	return srv.ListenAndServe(ctx)
}

func applyServeFlags(cfg *config.Config) {
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}
	if serveAdapter != "" {
		cfg.DefaultAdapter = serveAdapter
	}
	if servePrefix != "" {
		cfg.APIPrefix = servePrefix
	}
}

func serverOptions(cfg *config.Config) server.Options {
	return server.Options{
		ListenAddr:     cfg.ListenAddr,
		APIPrefix:      cfg.APIPrefix,
		Enabled:        cfg.Enabled,
		CORSOrigins:    cfg.CORSOrigins,
		InspectTimeout: cfg.ConnectTimeout,
		ProfileEnvPath: cfg.ProfileEnvPath,
		Session: session.Options{
			DefaultAdapter:          cfg.DefaultAdapter,
			ConnectDiscoveryTimeout: cfg.ConnectDiscoveryTimeout,
			WriteTimeout:            cfg.WriteTimeout,
			DiscoverTimeout:         cfg.DiscoverTimeout,
			CommandRate:             cfg.CommandRate,
			CommandBurst:            cfg.CommandBurst,
		},
	}
}
