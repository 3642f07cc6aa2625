package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quorumcontrol/tupelo-accounts/directory"
)

// createAccountCmd writes straight into the node's directory storage, so
// it must not run while the node holds that storage open.
var createAccountCmd = &cobra.Command{
	Use:   "create-account NAME",
	Short: "Create an account hosted by the configured node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error getting node config: %w", err)
		}
		if config.NodeKey == nil {
			return fmt.Errorf("the config has no node key")
		}
		ds, err := config.Storage.Open("directory")
		if err != nil {
			return fmt.Errorf("error opening directory storage: %w", err)
		}
		defer ds.Close()

		dir, err := directory.New(ds, config.NodeKey.Private)
		if err != nil {
			return err
		}
		acc, err := dir.CreateAccount(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("error creating account: %w", err)
		}
		fmt.Printf("created account %s (%s) on %s\n", acc.Name, acc.ID, acc.Host)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createAccountCmd)
}
