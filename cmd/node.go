package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quorumcontrol/tupelo-accounts/nodebuilder"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		config, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error getting node config: %w", err)
		}

		nb := &nodebuilder.NodeBuilder{Config: config}
		if err := nb.Start(ctx); err != nil {
			return fmt.Errorf("error starting node: %w", err)
		}

		fmt.Printf("node %s running on %v\n", nb.Node().ID(), nb.Transport().Addresses())

		<-make(chan struct{})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)
}
