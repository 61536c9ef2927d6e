package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sambigeara/meshroute/pkg/perm"
)

const (
	rootDir      = ".meshroute"
	peersDirName = "peers.db"
)

// EnsureDir creates dir, or ~/.meshroute when dir is empty, and returns it.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		base, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("unable to retrieve user home dir: %w", err)
		}
		dir = filepath.Join(base, rootDir)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("unable to create state dir: %w", err)
	}
	if err := perm.SetGroupDir(dir); err != nil {
		return "", err
	}

	return dir, nil
}

// PeersPath is where the known-peer database lives inside dir.
func PeersPath(dir string) string {
	return filepath.Join(dir, peersDirName)
}
