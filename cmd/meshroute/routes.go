package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sambigeara/meshroute/pkg/config"
	"github.com/sambigeara/meshroute/pkg/routing"
	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/store"
	"github.com/sambigeara/meshroute/pkg/types"
	"github.com/spf13/cobra"
)

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show next hops computed from the edge snapshot",
		Args:  cobra.NoArgs,
		RunE:  runRoutes,
	}
	cmd.Flags().String("from", "", "Compute routes from this peer instead of the local identity")
	cmd.Flags().Bool("wide", false, "Show full peer IDs")
	return cmd
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop expired edges from the snapshot using the configured horizons",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}
}

func runRoutes(cmd *cobra.Command, _ []string) error {
	dir, err := stateDir(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	edges, owner, err := store.Read(dir)
	if err != nil {
		return err
	}

	from, _ := cmd.Flags().GetString("from")
	source := owner
	switch {
	case from != "":
		source, err = types.PeerKeyFromString(from)
		if err != nil {
			return err
		}
	case source.IsZero():
		key, err := sign.LoadOrCreateKey(dir)
		if err != nil {
			return err
		}
		source = key.Public()
	}

	table := routing.New(source, cfg.RoutingConfig())
	res := table.Restore(edges)
	g := table.Graph()

	wide, _ := cmd.Flags().GetBool("wide")
	name := func(pk types.PeerKey) string {
		if wide {
			return pk.String()
		}
		return pk.Short()
	}

	var rows [][]string
	for _, dest := range g.ReachablePeers() {
		r, _ := g.Route(dest)
		alts := make([]string, 0, len(r.NextHops)-1)
		for _, h := range r.NextHops[1:] {
			alts = append(alts, name(h))
		}
		rows = append(rows, []string{name(dest), name(r.NextHop()), strconv.Itoa(r.Distance), strings.Join(alts, ",")})
	}

	footer := fmt.Sprintf("source %s, %d edges loaded, %d rejected", name(source), len(edges), len(edges)-len(res.Accepted))
	renderTable(cmd.OutOrStdout(), []string{"DESTINATION", "NEXT HOP", "DISTANCE", "ALTERNATIVES"}, rows, footer)
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	dir, err := stateDir(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	key, err := sign.LoadOrCreateKey(dir)
	if err != nil {
		return err
	}

	snap, err := store.Open(dir, key.Public())
	if err != nil {
		return err
	}
	defer snap.Close()

	edges, _, err := snap.Load()
	if err != nil {
		return err
	}

	table := routing.New(key.Public(), cfg.RoutingConfig())
	table.Restore(edges)
	res := table.Prune()

	if err := snap.Save(table.Stamped()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d edges (%d removed, %d expired, %d unreachable), %d remain\n",
		res.Total(), len(res.Removed), len(res.Expired), len(res.Unreachable), table.Len())
	return nil
}
