package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/guided-traffic/plugin-license-manager/internal/cachestore"
	"github.com/guided-traffic/plugin-license-manager/internal/config"
	"github.com/guided-traffic/plugin-license-manager/internal/license"
	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile    string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "license-agent",
		Short: "License agent validates this installation's plugin licenses",
		Long: `The license agent runs on an installation and asks the license server whether
its plugins are licensed. Every answer is verified against the site's shared
secret and cached locally, so the server is contacted at most once per cache
period. When the server cannot be reached, a plugin that was verified before
keeps working for the configured grace period.

Run "license-agent heartbeat" to keep the cache warm in the background, or use the
one-shot commands to inspect the current state.`,
		SilenceUsage: true,
	}
)

// errUnlicensed is returned when at least one checked plugin is not valid so
// scripts can rely on the exit status.
var errUnlicensed = errors.New("one or more plugins are not licensed")

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(newCheckCmd(), newBatchCmd(), newInfoCmd(), newHeartbeatCmd(), newInvalidateCmd(), newChecksumCmd())
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildTime)
}

func initConfig() {
	config.InitConfig(cfgFile)
}

// agent bundles the validator with the store it owns.
type agent struct {
	cfg       *config.Config
	store     cachestore.Store
	validator *license.Validator
}

func newAgent(ctx context.Context) (*agent, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return nil, err
	}

	licCfg := cfg.LicenseConfig()
	if !licCfg.Configured() {
		logrus.Warn("License agent is not configured, every plugin will be reported as unlicensed")
		validator, err := license.NewValidator(licCfg, nil, nil)
		if err != nil {
			return nil, err
		}
		return &agent{cfg: cfg, validator: validator}, nil
	}

	if cfg.Agent.Cache.Driver == cachestore.DriverMemory {
		logrus.Warn("Memory cache does not survive between runs, grace periods only apply within one heartbeat process")
	}

	store, err := cachestore.New(ctx, cfg.CacheStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	cache, err := license.NewCache(store, licCfg.SharedSecret, license.WithKeyPrefix(cfg.Agent.Cache.KeyPrefix))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	transport := license.NewHTTPTransport(licCfg.ServerURL, licCfg.ActivationToken, licCfg.RequestTimeout)
	validator, err := license.NewValidator(licCfg, cache, transport)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &agent{cfg: cfg, store: store, validator: validator}, nil
}

func (a *agent) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close cache store")
	}
}

// plugins returns args, or the configured plugin list when args is empty.
func (a *agent) plugins(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(a.cfg.Agent.Plugins) == 0 {
		return nil, fmt.Errorf("no plugins given and agent.plugins is empty")
	}
	return a.cfg.Agent.Plugins, nil
}

// withAgent runs fn with an agent that is closed afterwards.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *agent) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func newHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "heartbeat",
		Aliases: []string{"run"},
		Short:   "Validate the configured plugins and keep re-verifying them in the background",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, runHeartbeat)
		},
	}
}

func runHeartbeat(ctx context.Context, a *agent) error {
	logrus.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("License agent build information")

	plugins, err := a.plugins(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Monitoring.Enabled {
		monitoring.SetServerInfo(version, commit, buildTime)
		monitoringServer := monitoring.NewServer(&monitoring.Config{
			BindAddress: a.cfg.Monitoring.BindAddress,
			MetricsPath: a.cfg.Monitoring.MetricsPath,
			ServiceName: "plugin-license-agent",
		})
		go func() {
			if err := monitoringServer.Start(ctx); err != nil {
				logrus.WithError(err).Error("Monitoring server failed")
			}
		}()
	}

	registry := license.NewRegistry(a.validator)
	for _, slug := range plugins {
		registry.Register(slug)
	}
	for _, result := range registry.CheckAll(license.WithMemo(ctx)) {
		license.LogResult(result)
	}

	heartbeat := license.NewHeartbeat(registry, a.cfg.Agent.HeartbeatInterval)
	heartbeat.Start(ctx)
	logrus.WithFields(logrus.Fields{
		"plugins":  len(plugins),
		"interval": heartbeat.Interval(),
	}).Info("License heartbeat started")

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logrus.WithField("signal", sig.String()).Info("Received shutdown signal, stopping heartbeat")
	case <-ctx.Done():
	}

	heartbeat.Stop()
	cancel()
	logrus.Info("License agent stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
