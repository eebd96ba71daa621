package admin

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/storagerelay/internal/server/relay"
	"github.com/iudanet/storagerelay/internal/validation"
)

func newStoreKeyCmd(opts *options) *cobra.Command {
	var (
		serverID string
		remove   bool
	)

	cmd := &cobra.Command{
		Use:   "storekey",
		Short: "Save the at-rest encryption passphrase in the OS keyring",
		Long: `Prompts for the passphrase that encrypts stored things and saves it in the
OS keyring of this machine. Start the server with -protector-keyring to use it.
Runs locally on the server host and does not call the admin API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.deps.OpenKeystore()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if remove {
				if err := ks.RemoveProtectorPassphrase(serverID); err != nil {
					return err
				}
				fmt.Fprintln(out, success("Passphrase for server "+highlight(serverID)+" removed"))
				return nil
			}

			passphrase, err := opts.deps.IO.ReadPassword("Passphrase: ")
			if err != nil {
				return fmt.Errorf("failed to read passphrase: %w", err)
			}
			if err := validation.ValidatePassphrase(passphrase); err != nil {
				return err
			}

			confirm, err := opts.deps.IO.ReadPassword("Repeat passphrase: ")
			if err != nil {
				return fmt.Errorf("failed to read passphrase: %w", err)
			}
			if confirm != passphrase {
				return errors.New("passphrases do not match")
			}

			if err := ks.SetProtectorPassphrase(serverID, passphrase); err != nil {
				return err
			}
			fmt.Fprintln(out, success("Passphrase for server "+highlight(serverID)+" saved in keyring"))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", relay.DefaultServerID, "server id the passphrase belongs to")
	cmd.Flags().BoolVar(&remove, "delete", false, "remove the saved passphrase instead")
	return cmd
}
