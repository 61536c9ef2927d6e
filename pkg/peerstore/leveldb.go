package peerstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sambigeara/meshroute/pkg/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const keyPrefix = "peer:"

// LevelDB persists known peers one record per key.
type LevelDB struct {
	db *leveldb.DB
}

var _ Persister = (*LevelDB)(nil)

func NewLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, errors.New("peerstore path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func recordKey(peer types.PeerKey) []byte {
	return []byte(keyPrefix + peer.String())
}

func (l *LevelDB) Save(s KnownPeerState) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	return l.db.Put(recordKey(s.Peer.ID), b, nil)
}

func (l *LevelDB) Load(peer types.PeerKey) (KnownPeerState, bool, error) {
	key := recordKey(peer)
	b, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return KnownPeerState{}, false, nil
	}
	if err != nil {
		return KnownPeerState{}, false, fmt.Errorf("load known peer: %w", err)
	}
	s, err := decodeAt(key, b)
	if err != nil {
		return KnownPeerState{}, false, err
	}
	return s, true, nil
}

func (l *LevelDB) LoadAll() ([]KnownPeerState, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var out []KnownPeerState
	for iter.Next() {
		s, err := decodeAt(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate known peers: %w", err)
	}
	return out, nil
}

// Delete removes the record stored under key, as reported in
// DecodeError.Key. The key need not parse as a peer ID.
func (l *LevelDB) Delete(key string) error {
	if !strings.HasPrefix(key, keyPrefix) {
		return fmt.Errorf("%w: %q", errRecordKey, key)
	}
	return l.db.Delete([]byte(key), nil)
}

// Repair deletes every record that fails to decode and returns their keys.
// Open refuses a database holding such records.
func (l *LevelDB) Repair() ([]string, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	var corrupt []string
	for iter.Next() {
		if _, err := decodeAt(iter.Key(), iter.Value()); err != nil {
			var de *DecodeError
			if !errors.As(err, &de) {
				iter.Release()
				return nil, err
			}
			corrupt = append(corrupt, string(iter.Key()))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate known peers: %w", err)
	}

	for i, key := range corrupt {
		if err := l.Delete(key); err != nil {
			return corrupt[:i], fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return corrupt, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func decodeAt(key, b []byte) (KnownPeerState, error) {
	s, err := Decode(b)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Key = string(key)
		}
		return KnownPeerState{}, err
	}
	if string(recordKey(s.Peer.ID)) != string(key) {
		return KnownPeerState{}, &DecodeError{Err: errRecordID, Key: string(key)}
	}
	return s, nil
}
