// Package main is the entry point for provd, the telephony-endpoint
// provisioning server: it loads configuration, wires every subsystem
// (storage, plugin manager, device store, pipeline, HTTP/TFTP/dhcpinfo
// listeners, the tenant-deleted bus subscription, and the status
// surface), and runs until asked to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wazo-provd/provd/internal/config"
	"github.com/wazo-provd/provd/pkg/logger"
)

var (
	configFile string
	configDir  string
	tftpAddr   string
	restAddr   string
	logStderr  bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "provd",
	Short: "provd serves telephony-endpoint provisioning over HTTP, TFTP and dhcpinfo push",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config-file", "", "path to the YAML configuration file")
	rootCmd.Flags().StringVar(&configDir, "config-dir", "", "directory of config.d-style configuration fragments (overrides app.config_dir)")
	rootCmd.Flags().StringVar(&tftpAddr, "tftp-port", "", "override the TFTP listener address (host:port or :port)")
	rootCmd.Flags().StringVar(&restAddr, "rest-port", "", "override the device-file HTTP listener address")
	rootCmd.Flags().BoolVarP(&logStderr, "stderr", "s", false, "log to stderr instead of the configured log output")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("provd: load config: %w", err)
	}
	applyFlagOverrides(cfg)

	log := logger.NewLogger(cfg.Log.ToLoggerConfig())
	log.Info("starting provd", "rest_addr", cfg.Server.RESTAddr, "tftp_addr", cfg.Server.TFTPAddr,
		"dhcp_addr", cfg.Server.DHCPAddr, "storage_backend", cfg.Storage.Backend)

	app, err := newApp(cfg, log)
	if err != nil {
		return fmt.Errorf("provd: build app: %w", err)
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reload := newReloadHandler(app, log)
	if err := reload.Start(); err != nil {
		return fmt.Errorf("provd: start reload handler: %w", err)
	}
	defer reload.Stop()

	return app.Run(ctx)
}

// applyFlagOverrides layers the handful of CLI flags spec §6 names over
// whatever LoadConfig already resolved from file/env/defaults. Flags win
// last, same precedence order as the teacher's config loader, extended by
// one more rung.
func applyFlagOverrides(cfg *config.Config) {
	if configDir != "" {
		cfg.App.ConfigDir = configDir
	}
	if tftpAddr != "" {
		cfg.Server.TFTPAddr = tftpAddr
	}
	if restAddr != "" {
		cfg.Server.RESTAddr = restAddr
	}
	if logStderr {
		cfg.Log.Output = "stderr"
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
}
