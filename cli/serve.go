package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"otbridge.evalgo.org/api"
	"otbridge.evalgo.org/bridge"
	"otbridge.evalgo.org/common"
	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/metrics"
	"otbridge.evalgo.org/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `serve loads the configuration, unlocks the credential store with the
master secret from OTB_MASTER_SECRET, starts every enabled source and the
control surface, and runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return exitErr(ExitConfigInvalid, err)
	}

	level := cfg.Log.Level
	if override := viper.GetString("log_level"); override != "" {
		level = override
	}
	common.ConfigureLogging(level, cfg.Log.Format)
	log := common.Logger.WithField("component", "serve")
	log.WithField("version", version.GetBridgeVersion()).Info("starting otbridge")

	master, err := masterSecret()
	if err != nil {
		return err
	}
	defer master.Destroy()

	store, err := credentials.Open(cfg.StateDir, master)
	if err != nil {
		if errors.Is(err, credentials.ErrCorrupt) || errors.Is(err, credentials.ErrStoreLocked) {
			return exitErr(ExitCredentialStore, err)
		}
		return exitErr(ExitInternal, err)
	}
	defer store.Close()

	met := metrics.New()
	b := bridge.New(bridge.Options{
		Config:     cfg,
		ConfigPath: cfgFile,
		Store:      store,
		Metrics:    met,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		// Start opens no spool: sinks and their spools are created on the
		// first record, so an unreadable spool does not fail startup and
		// is only logged when its sink cannot be created. An error that
		// mentions the spool is still mapped to ExitInternal.
		if isSpoolFailure(err) {
			return exitErr(ExitInternal, err)
		}
		return exitErr(ExitConfigInvalid, err)
	}

	server := api.New(api.ServerConfig{Listen: cfg.Listen}, b)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	log.WithField("listen", cfg.Listen).Info("control surface up")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			b.Stop()
			return exitErr(ExitInternal, fmt.Errorf("control surface failed: %w", err))
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("control surface shutdown failed")
	}
	b.Stop()
	log.Info("clean stop")
	return nil
}

func isSpoolFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "spool")
}
