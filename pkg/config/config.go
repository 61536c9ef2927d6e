package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sambigeara/meshroute/pkg/routing"
	"github.com/sambigeara/meshroute/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"
	DefaultPort    = 60611
	directoryPerm  = 0o700
	configFilePerm = 0o600
)

const (
	DefaultPruneInterval     = time.Minute
	DefaultBroadcastInterval = 5 * time.Second
	DefaultJitter            = 0.1
	DefaultLogLevel          = "info"
)

type Routing struct {
	DeleteRemovedAfter time.Duration `yaml:"deleteRemovedAfter,omitempty"`
	SavePeersMaxTime   time.Duration `yaml:"savePeersMaxTime,omitempty"`
}

type Gossip struct {
	PruneInterval     time.Duration `yaml:"pruneInterval,omitempty"`
	BroadcastInterval time.Duration `yaml:"broadcastInterval,omitempty"`
	Jitter            float64       `yaml:"jitter"`
}

type Peer struct {
	PeerPub string   `yaml:"peerPub"`
	Addrs   []string `yaml:"addrs,omitempty"`
}

type Config struct {
	LogLevel string  `yaml:"logLevel,omitempty"`
	Peers    []Peer  `yaml:"peers,omitempty"`
	Routing  Routing `yaml:"routing,omitempty"`
	Gossip   Gossip  `yaml:"gossip,omitempty"`
}

func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Routing: Routing{
			DeleteRemovedAfter: routing.DefaultDeleteRemovedAfter,
			SavePeersMaxTime:   routing.DefaultSavePeersMaxTime,
		},
		Gossip: Gossip{
			PruneInterval:     DefaultPruneInterval,
			BroadcastInterval: DefaultBroadcastInterval,
			Jitter:            DefaultJitter,
		},
	}
}

// RoutingConfig returns the horizons for routing.New.
func (c *Config) RoutingConfig() routing.Config {
	return routing.Config{
		DeleteRemovedAfter: c.Routing.DeleteRemovedAfter,
		SavePeersMaxTime:   c.Routing.SavePeersMaxTime,
	}
}

// Load reads config.yaml from dir. Missing keys take their defaults and a
// missing file yields Default().
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	canonical, err := canonicalizePeers(cfg.Peers)
	if err != nil {
		return nil, err
	}
	cfg.Peers = canonical
	return cfg, nil
}

func Save(dir string, cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	canonical, err := canonicalizePeers(cfg.Peers)
	if err != nil {
		return err
	}
	cfg.Peers = canonical

	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := renameio.WriteFile(filepath.Join(dir, configFileName), encoded, configFilePerm); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if err := c.RoutingConfig().Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if c.Gossip.PruneInterval <= 0 {
		return errors.New("gossip.pruneInterval must be > 0")
	}
	if c.Gossip.BroadcastInterval <= 0 {
		return errors.New("gossip.broadcastInterval must be > 0")
	}
	if c.Gossip.Jitter < 0 || c.Gossip.Jitter >= 1 {
		return errors.New("gossip.jitter must be in [0, 1)")
	}
	return nil
}

// BootstrapPeers parses the configured peers.
func (c *Config) BootstrapPeers() ([]types.PeerInfo, error) {
	var out []types.PeerInfo
	for idx, peer := range c.Peers {
		pk, err := types.PeerKeyFromString(strings.TrimSpace(peer.PeerPub))
		if err != nil {
			return nil, fmt.Errorf("parse peer[%d] public key: %w", idx, err)
		}
		addrs, err := normalizeAddrs(peer.Addrs)
		if err != nil {
			return nil, fmt.Errorf("parse peer[%d] addresses: %w", idx, err)
		}
		for _, addr := range addrs {
			out = append(out, types.PeerInfo{ID: pk, Addr: addr})
		}
	}
	return out, nil
}

// RememberPeer adds addr for peer, merging with any existing entry.
func (c *Config) RememberPeer(peer types.PeerKey, addr string) error {
	if c == nil {
		return errors.New("missing config")
	}
	c.Peers = append(c.Peers, Peer{PeerPub: peer.String(), Addrs: []string{addr}})

	canonical, err := canonicalizePeers(c.Peers)
	if err != nil {
		return err
	}
	c.Peers = canonical
	return nil
}

func canonicalizePeers(peers []Peer) ([]Peer, error) {
	byPeer := make(map[string]map[string]struct{})

	for _, peer := range peers {
		if strings.TrimSpace(peer.PeerPub) == "" {
			continue
		}

		pk, err := types.PeerKeyFromString(strings.TrimSpace(peer.PeerPub))
		if err != nil {
			return nil, err
		}
		peerHex := pk.String()

		if _, ok := byPeer[peerHex]; !ok {
			byPeer[peerHex] = make(map[string]struct{})
		}

		addrs, err := normalizeAddrs(peer.Addrs)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			byPeer[peerHex][addr] = struct{}{}
		}
	}

	peerHexes := make([]string, 0, len(byPeer))
	for peerHex := range byPeer {
		peerHexes = append(peerHexes, peerHex)
	}
	sort.Strings(peerHexes)

	out := make([]Peer, 0, len(peerHexes))
	for _, peerHex := range peerHexes {
		addrs := make([]string, 0, len(byPeer[peerHex]))
		for addr := range byPeer[peerHex] {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		out = append(out, Peer{PeerPub: peerHex, Addrs: addrs})
	}

	return out, nil
}

func normalizeAddrs(specs []string) ([]string, error) {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		addr, err := NormalizeAddr(spec)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}

	if len(out) == 0 {
		return nil, errors.New("at least one peer address is required")
	}

	return out, nil
}

// NormalizeAddr appends DefaultPort to a bare host.
func NormalizeAddr(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", errors.New("peer address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(spec); err == nil {
		return spec, nil
	}

	return net.JoinHostPort(spec, strconv.Itoa(DefaultPort)), nil
}
