package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sambigeara/meshroute/pkg/peerstore"
	"github.com/sambigeara/meshroute/pkg/types"
	"github.com/sambigeara/meshroute/pkg/workspace"
	"github.com/spf13/cobra"
)

func newPeersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE:  runPeersList,
	}
	cmd.Flags().String("status", "", "Only show peers in this status")
	cmd.Flags().Bool("wide", false, "Show full peer IDs")
	return cmd
}

func newPeersBanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban <peer-id>",
		Short: "Ban a peer; its edges are rejected until unbanned",
		Args:  cobra.ExactArgs(1),
		RunE:  runPeersBan,
	}
	cmd.Flags().String("reason", peerstore.BanReasonAbusive.String(), "Ban reason")
	return cmd
}

func newPeersUnbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <peer-id>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE:  runPeersUnban,
	}
}

func newPeersRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Delete peer records that can no longer be decoded",
		Args:  cobra.NoArgs,
		RunE:  runPeersRepair,
	}
}

// openPeers opens the peer database. A running node holds its lock.
func openPeers(cmd *cobra.Command) (*peerstore.Store, error) {
	dir, err := stateDir(cmd)
	if err != nil {
		return nil, err
	}
	db, err := peerstore.NewLevelDB(workspace.PeersPath(dir))
	if err != nil {
		return nil, fmt.Errorf("%w (is a node running?)", err)
	}
	s, err := peerstore.Open(db)
	if err != nil {
		_ = db.Close()
		var de *peerstore.DecodeError
		if errors.As(err, &de) {
			return nil, fmt.Errorf("%w (peers repair deletes unreadable records)", err)
		}
		return nil, err
	}
	return s, nil
}

func runPeersList(cmd *cobra.Command, _ []string) error {
	s, err := openPeers(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	states := s.All()
	if want, _ := cmd.Flags().GetString("status"); want != "" {
		filtered := states[:0]
		for _, st := range states {
			if st.Status.String() == want {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}

	wide, _ := cmd.Flags().GetBool("wide")
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		id := st.Peer.ID.Short()
		if wide {
			id = st.Peer.ID.String()
		}
		reason := ""
		if st.IsBanned() {
			reason = st.BanReason.String()
		}
		rows = append(rows, []string{id, st.Status.String(), dash(st.Peer.Addr), formatSeen(st.LastSeen), reason})
	}

	renderTable(cmd.OutOrStdout(), []string{"PEER", "STATUS", "ADDR", "LAST SEEN", "BAN REASON"}, rows, "")
	return nil
}

func runPeersBan(cmd *cobra.Command, args []string) error {
	pk, err := types.PeerKeyFromString(args[0])
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("reason")
	reason, ok := peerstore.ParseBanReason(name)
	if !ok || reason == peerstore.BanReasonNone {
		return fmt.Errorf("unknown ban reason %q", name)
	}

	s, err := openPeers(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.Ban(pk, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "banned %s (%s)\n", pk.Short(), reason)
	return nil
}

func runPeersUnban(cmd *cobra.Command, args []string) error {
	pk, err := types.PeerKeyFromString(args[0])
	if err != nil {
		return err
	}

	s, err := openPeers(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.Unban(pk); err != nil {
		return fmt.Errorf("unban %s: %w", pk.Short(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "unbanned %s\n", pk.Short())
	return nil
}

func runPeersRepair(cmd *cobra.Command, _ []string) error {
	dir, err := stateDir(cmd)
	if err != nil {
		return err
	}
	db, err := peerstore.NewLevelDB(workspace.PeersPath(dir))
	if err != nil {
		return fmt.Errorf("%w (is a node running?)", err)
	}
	defer db.Close()

	dropped, err := db.Repair()
	for _, key := range dropped {
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d corrupt records deleted\n", len(dropped))
	return nil
}

func formatSeen(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
