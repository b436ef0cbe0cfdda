package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/guided-traffic/plugin-license-manager/internal/config"
	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
	"github.com/guided-traffic/plugin-license-manager/internal/issuer/sqlite"
	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
	"github.com/guided-traffic/plugin-license-manager/internal/server"
	"github.com/guided-traffic/plugin-license-manager/internal/server/handlers/health"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "license-server",
		Short: "License server answers signed license checks for activated sites",
		Long: `The license server holds the site registry, the per-site plugin licenses and
the issuance ledger. Every answer it gives is signed with the requesting site's
shared secret, so installations can verify that a decision came from this
server and was not replayed.

Sites authenticate with the activation token they received on activation. Use
license-tool to activate sites and grant licenses, and keygen to create the
keys referenced by the configuration.`,
		Run: runServer,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
}

func initConfig() {
	config.InitConfig(cfgFile)
}

func runServer(cmd *cobra.Command, args []string) {
	// Display build information at startup
	logrus.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("License server build information")

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ConfigureLogging(); err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}
	if err := cfg.ValidateServer(); err != nil {
		logrus.WithError(err).Fatal("Invalid server configuration")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.Open(ctx, cfg.Server.DatabaseDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open license database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close license database")
		}
	}()

	sealer, err := issuer.LoadKeysetSealer(cfg.Server.MasterKeysetFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load master keyset")
	}

	activationKey, err := cfg.ActivationKey()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load activation signing key")
	}
	activation, err := issuer.NewActivationSigner(activationKey)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create activation signer")
	}

	iss, err := issuer.New(store, sealer, activation, issuer.WithTokenTTL(cfg.Server.TokenTTL))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create issuer")
	}

	build := health.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
	apiServer, err := server.NewServer(cfg, iss, store, build)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create license server")
	}

	if cfg.Monitoring.Enabled {
		monitoring.SetServerInfo(version, commit, buildTime)
		monitoringServer := monitoring.NewServer(&monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		})
		go func() {
			if err := monitoringServer.Start(ctx); err != nil {
				logrus.WithError(err).Error("Monitoring server failed")
			}
		}()
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- apiServer.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logrus.WithField("signal", sig.String()).Info("Received shutdown signal, gracefully shutting down...")
		cancel()
		if err := <-serverDone; err != nil {
			logrus.WithError(err).Error("Shutdown did not complete cleanly")
		}
	case err := <-serverDone:
		if err != nil {
			logrus.WithError(err).Error("License server failed")
		}
	}

	logrus.Info("Server stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
