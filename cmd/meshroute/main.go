package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "meshroute",
		Short:         "Gossiped edge graph and routing table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("dir", "", "State directory (default ~/.meshroute)")

	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect and manage known peers",
	}
	peersCmd.AddCommand(newPeersListCmd(), newPeersBanCmd(), newPeersUnbanCmd(), newPeersRepairCmd())

	rootCmd.AddCommand(newNodeCmd(), newRoutesCmd(), newPruneCmd(), newKeygenCmd(), peersCmd)
	return rootCmd
}
