package main

import (
	"fmt"

	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/workspace"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the node identity key if missing and print its public key",
		Args:  cobra.NoArgs,
		RunE:  runKeygen,
	}
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	dir, err := stateDir(cmd)
	if err != nil {
		return err
	}
	key, err := sign.LoadOrCreateKey(dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key.Public().String())
	return nil
}

func stateDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	return workspace.EnsureDir(dir)
}
