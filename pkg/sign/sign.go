package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sambigeara/meshroute/pkg/types"
)

const (
	keysDir = "keys"

	signingKeyName    = "ed25519.key"
	signingPubKeyName = "ed25519.pub"
	pemTypePriv       = "ED25519 PRIVATE KEY"
	pemTypePub        = "ED25519 PUBLIC KEY"

	keyDirPerm  = 0o700
	keyFilePerm = 0o600
	pubFilePerm = 0o644
)

var (
	ErrInvalidKeyPEM = errors.New("invalid key PEM")
	ErrKeyMismatch   = errors.New("public key does not match private key")
)

type Signer interface {
	Public() types.PeerKey
	Sign(msg []byte) []byte
}

type Verifier interface {
	Verify(pub types.PeerKey, msg, sig []byte) bool
}

var (
	_ Signer   = (*Key)(nil)
	_ Verifier = Ed25519{}
)

type Key struct {
	priv ed25519.PrivateKey
	pub  types.PeerKey
}

func NewKey() (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return KeyFromPrivate(priv), nil
}

func KeyFromSeed(seed []byte) *Key {
	return KeyFromPrivate(ed25519.NewKeyFromSeed(seed))
}

func KeyFromPrivate(priv ed25519.PrivateKey) *Key {
	pub, _ := priv.Public().(ed25519.PublicKey)
	return &Key{priv: priv, pub: types.PeerKeyFromBytes(pub)}
}

func (k *Key) Public() types.PeerKey {
	return k.pub
}

func (k *Key) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

func (k *Key) Seed() []byte {
	return k.priv.Seed()
}

type Ed25519 struct{}

func (Ed25519) Verify(pub types.PeerKey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Bytes()), msg, sig)
}

// LoadOrCreateKey reads the node key pair from dir/keys, generating and
// persisting a new one if the private key is absent.
func LoadOrCreateKey(dir string) (*Key, error) {
	keyDir := filepath.Join(dir, keysDir)
	privPath := filepath.Join(keyDir, signingKeyName)
	pubPath := filepath.Join(keyDir, signingPubKeyName)

	keyEnc, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		return decodeKey(keyEnc, pubPath)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read private key: %w", err)
	}

	if err := os.MkdirAll(keyDir, keyDirPerm); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	key, err := NewKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePriv, Bytes: key.Seed()})
	if err := os.WriteFile(privPath, privPEM, keyFilePerm); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePub, Bytes: key.pub.Bytes()})
	if err := os.WriteFile(pubPath, pubPEM, pubFilePerm); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return key, nil
}

func decodeKey(keyEnc []byte, pubPath string) (*Key, error) {
	block, _ := pem.Decode(keyEnc)
	if block == nil || block.Type != pemTypePriv || len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: private key", ErrInvalidKeyPEM)
	}
	key := KeyFromSeed(block.Bytes)

	pubEnc, err := os.ReadFile(pubPath)
	if errors.Is(err, os.ErrNotExist) {
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	block, _ = pem.Decode(pubEnc)
	if block == nil || block.Type != pemTypePub {
		return nil, fmt.Errorf("%w: public key", ErrInvalidKeyPEM)
	}
	if types.PeerKeyFromBytes(block.Bytes) != key.pub {
		return nil, ErrKeyMismatch
	}

	return key, nil
}
