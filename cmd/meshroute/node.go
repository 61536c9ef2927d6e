package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sambigeara/meshroute/pkg/config"
	"github.com/sambigeara/meshroute/pkg/gossip"
	"github.com/sambigeara/meshroute/pkg/observability/logging"
	"github.com/sambigeara/meshroute/pkg/observability/metrics"
	"github.com/sambigeara/meshroute/pkg/peerstore"
	"github.com/sambigeara/meshroute/pkg/routing"
	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/store"
	"github.com/sambigeara/meshroute/pkg/transport"
	"github.com/sambigeara/meshroute/pkg/types"
	"github.com/sambigeara/meshroute/pkg/workspace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a gossip node until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runNode,
	}
	cmd.Flags().Int("port", config.DefaultPort, "UDP listen port")
	cmd.Flags().StringArray("peer", nil, "Peer to connect to as <peer-id>@<host:port>, repeatable")
	cmd.Flags().Bool("remember", false, "Save --peer entries to config.yaml")
	cmd.Flags().String("metrics", "", "Serve Prometheus metrics on this address")
	return cmd
}

func runNode(cmd *cobra.Command, _ []string) error {
	dir, err := stateDir(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.LogLevel); err != nil {
		return err
	}
	defer func() { _ = zap.L().Sync() }()
	log := zap.S().Named("node")

	extra, err := parsePeerFlags(cmd)
	if err != nil {
		return err
	}
	if remember, _ := cmd.Flags().GetBool("remember"); remember && len(extra) > 0 {
		for _, p := range extra {
			if err := cfg.RememberPeer(p.ID, p.Addr); err != nil {
				return err
			}
		}
		if err := config.Save(dir, cfg); err != nil {
			return err
		}
	}
	bootstrap, err := cfg.BootstrapPeers()
	if err != nil {
		return err
	}
	bootstrap = append(bootstrap, extra...)

	key, err := sign.LoadOrCreateKey(dir)
	if err != nil {
		return err
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	db, err := peerstore.NewLevelDB(workspace.PeersPath(dir))
	if err != nil {
		return err
	}
	peers, err := peerstore.Open(db, peerstore.WithMetrics(m))
	if err != nil {
		_ = db.Close()
		return err
	}
	defer peers.Close()

	snap, err := store.Open(dir, key.Public())
	if err != nil {
		return err
	}
	defer snap.Close()

	table := routing.New(key.Public(), cfg.RoutingConfig(),
		routing.WithBanChecker(peers),
		routing.WithMetrics(m),
	)
	saved, owner, err := snap.Load()
	if err != nil {
		return err
	}
	if !owner.IsZero() && owner != key.Public() {
		log.Warnw("edge snapshot was written by another identity", "owner", owner.String())
	}
	restored := table.Restore(saved)
	log.Infow("restored edge snapshot", "edges", len(saved), "accepted", len(restored.Accepted))

	port, _ := cmd.Flags().GetInt("port")
	tr, err := transport.NewUDP(net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	defer tr.Close()

	svc := gossip.New(key, table, peers, tr, gossip.Config{
		PruneInterval:     cfg.Gossip.PruneInterval,
		BroadcastInterval: cfg.Gossip.BroadcastInterval,
		Jitter:            cfg.Gossip.Jitter,
		DisableJitter:     cfg.Gossip.Jitter == 0,
	}, gossip.WithSnapshot(snap))

	if addrs, err := transport.AdvertisableAddrs(port); err != nil {
		log.Warnw("failed to enumerate local addresses", "err", err)
	} else {
		log.Infow("node started", "peer", key.Public().String(), "listen", tr.LocalAddr(), "advertise", addrs)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(ctx)
	})
	if addr, _ := cmd.Flags().GetString("metrics"); addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, addr)
		})
	}

	for _, p := range bootstrap {
		if err := svc.Connect(p); err != nil {
			log.Warnw("failed to connect to peer", "peer", p.ID.Short(), "addr", p.Addr, "err", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infow("node stopped", "edges", table.Len())
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func parsePeerFlags(cmd *cobra.Command) ([]types.PeerInfo, error) {
	specs, _ := cmd.Flags().GetStringArray("peer")
	out := make([]types.PeerInfo, 0, len(specs))
	for _, spec := range specs {
		p, err := parsePeerSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// parsePeerSpec reads <peer-id>@<host:port>.
func parsePeerSpec(spec string) (types.PeerInfo, error) {
	id, addr, ok := strings.Cut(strings.TrimSpace(spec), "@")
	if !ok {
		return types.PeerInfo{}, fmt.Errorf("peer %q: expected <peer-id>@<host:port>", spec)
	}
	pk, err := types.PeerKeyFromString(id)
	if err != nil {
		return types.PeerInfo{}, fmt.Errorf("peer %q: %w", spec, err)
	}
	addr, err = config.NormalizeAddr(addr)
	if err != nil {
		return types.PeerInfo{}, fmt.Errorf("peer %q: %w", spec, err)
	}
	return types.PeerInfo{ID: pk, Addr: addr}, nil
}
