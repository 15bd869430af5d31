// Package cli wires the gateway process together: configuration loading,
// the credential store, the bridge and the control surface, with
// POSIX-signal driven shutdown and stable exit codes for supervisors.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"otbridge.evalgo.org/common"
	"otbridge.evalgo.org/credentials"
)

// Exit codes surfaced to the supervisor.
const (
	ExitOK             = 0
	ExitConfigInvalid  = 1
	ExitCredentialStore = 2
	ExitInternal        = 3
)

// ExitError carries the process exit code alongside the cause.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// CodeFor maps an error returned by Execute to a process exit code.
func CodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitInternal
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "otbridge",
	Short: "OT-to-cloud telemetry gateway",
	Long: `otbridge collects telemetry from OPC-UA, MQTT and Modbus sources,
normalises it into ISA-95 paths and streams it in batches into a ZeroBus
ingestion endpoint, buffering through an encrypted disk spool while the
cloud is unreachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/gateway.yaml", "path to the gateway configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(credsCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig binds environment overrides under the OTB_ prefix: the
// log-level flag can also come from OTB_LOG_LEVEL. The --config flag has
// no environment override.
func initConfig() {
	viper.SetEnvPrefix("OTB")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// masterSecret reads the process master secret from the environment. It
// is never persisted and never accepted as a flag.
func masterSecret() (*credentials.MasterSecret, error) {
	secret := viper.GetString("master_secret")
	if secret == "" {
		secret = os.Getenv("OTB_MASTER_SECRET")
	}
	if secret == "" {
		return nil, exitErr(ExitCredentialStore, fmt.Errorf("OTB_MASTER_SECRET is not set"))
	}
	return credentials.NewMasterSecret(secret), nil
}

// Execute runs the CLI and returns the error for exit-code mapping.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		common.Logger.WithError(err).Error("command failed")
	}
	return err
}
