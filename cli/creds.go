package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/credentials"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage the encrypted credential store",
}

var credsPutCmd = &cobra.Command{
	Use:   "put <name>",
	Short: "Store a credential (value read from stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		reader := bufio.NewReader(cmd.InOrStdin())
		value, err := reader.ReadString('\n')
		if err != nil && value == "" {
			return exitErr(ExitInternal, fmt.Errorf("failed to read value: %w", err))
		}
		value = strings.TrimRight(value, "\r\n")

		if err := store.Put(args[0], value); err != nil {
			return storeErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
		return nil
	},
}

var credsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential names",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		for _, name := range store.List() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var credsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(args[0]); err != nil {
			return storeErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var credsRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt the store under a new master secret",
	Long: `rotate re-encrypts every credential under the secret given in
OTB_NEW_MASTER_SECRET and a fresh salt. The old secret stops working
immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		newSecret := os.Getenv("OTB_NEW_MASTER_SECRET")
		if newSecret == "" {
			return exitErr(ExitCredentialStore, fmt.Errorf("OTB_NEW_MASTER_SECRET is not set"))
		}
		if err := store.Rotate(credentials.NewMasterSecret(newSecret)); err != nil {
			return storeErr(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "master secret rotated")
		return nil
	},
}

func init() {
	credsCmd.AddCommand(credsPutCmd)
	credsCmd.AddCommand(credsListCmd)
	credsCmd.AddCommand(credsDeleteCmd)
	credsCmd.AddCommand(credsRotateCmd)
}

func openStore() (*credentials.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, exitErr(ExitConfigInvalid, err)
	}
	master, err := masterSecret()
	if err != nil {
		return nil, err
	}
	store, err := credentials.Open(cfg.StateDir, master)
	if err != nil {
		return nil, storeErr(err)
	}
	return store, nil
}

func storeErr(err error) error {
	if errors.Is(err, credentials.ErrCorrupt) || errors.Is(err, credentials.ErrStoreLocked) {
		return exitErr(ExitCredentialStore, err)
	}
	if errors.Is(err, credentials.ErrUnknownCredential) {
		return exitErr(ExitConfigInvalid, err)
	}
	return exitErr(ExitInternal, err)
}
