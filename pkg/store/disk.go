package store

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sambigeara/meshroute/pkg/perm"
	"gopkg.in/yaml.v3"
)

const (
	snapshotFileName = "edges.yaml"
	lockFileName     = ".edges.lock"

	dirPerm       = 0o700
	filePerm      = 0o600
	stateFilePerm = 0o600
)

var ErrLocked = errors.New("state dir is locked by another process")

type diskState struct {
	Local string     `yaml:"local"`
	Edges []diskEdge `yaml:"edges,omitempty"`
}

type diskEdge struct {
	RefreshedAt time.Time `yaml:"refreshedAt,omitempty"`
	A           string    `yaml:"a"`
	B           string    `yaml:"b"`
	Type        string    `yaml:"type"`
	SignatureA  string    `yaml:"sigA"`
	SignatureB  string    `yaml:"sigB"`
	Nonce       uint64    `yaml:"nonce"`
}

type disk struct {
	lockFile *os.File
	path     string
	mu       sync.Mutex
}

func openDisk(dir string) (*disk, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	lockPath := filepath.Join(dir, lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open snapshot lock: %w", err)
	}

	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lf.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock snapshot: %w", err)
	}

	return &disk{path: filepath.Join(dir, snapshotFileName), lockFile: lf}, nil
}

func (d *disk) close() error {
	if d == nil || d.lockFile == nil {
		return nil
	}
	if err := syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		_ = d.lockFile.Close()
		return err
	}
	err := d.lockFile.Close()
	d.lockFile = nil
	return err
}

// load returns an empty state when no snapshot has been written yet.
func (d *disk) load() (diskState, error) {
	b, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return diskState{}, nil
		}
		return diskState{}, fmt.Errorf("read snapshot: %w", err)
	}

	st := diskState{}
	if len(bytes.TrimSpace(b)) == 0 {
		return st, nil
	}

	if err := yaml.Unmarshal(b, &st); err != nil {
		return diskState{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return st, nil
}

func (d *disk) save(st diskState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := renameio.WriteFile(d.path, b, stateFilePerm); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return perm.SetGroupReadable(d.path)
}

func encodeHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}
