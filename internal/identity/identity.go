// Package identity resolves a principal's own long-term signing key and its
// peers' verification keys from the local data directory (spec §6: "client
// and daemon keep only a local config directory for long-term keys"). It
// generalises keygen.LoadOrGenerateHostKey's load-or-generate PEM pattern
// from an SSH host key to the envelope signing key, and lays peer keys out
// the same way the teacher's config layer treats any other small
// file-per-entity store: one file per address under a known directory,
// rather than a database table.
package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/noports-go/noports/internal/envelope"
	"github.com/noports-go/noports/internal/protocol"
)

const signingKeyFile = "identity_key"

// LoadOrGenerateSigner reads a principal's long-term Ed25519 signing key
// from dataDir/identity_key, generating and persisting one on first run.
// Returns an envelope.Ed25519Signer ready to sign request/response/auth
// envelopes.
func LoadOrGenerateSigner(dataDir string) (envelope.Ed25519Signer, ed25519.PublicKey, error) {
	path := filepath.Join(dataDir, signingKeyFile)

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return envelope.Ed25519Signer{}, nil, fmt.Errorf("identity: read signing key %s: %w", path, err)
	}

	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return envelope.Ed25519Signer{}, nil, fmt.Errorf("identity: signing key file %s contains no PEM block", path)
		}
		if len(block.Bytes) != ed25519.PrivateKeySize {
			return envelope.Ed25519Signer{}, nil, fmt.Errorf("identity: signing key file %s has unexpected size %d", path, len(block.Bytes))
		}
		priv := ed25519.PrivateKey(block.Bytes)
		pub := priv.Public().(ed25519.PublicKey)
		return envelope.Ed25519Signer{Key: priv}, pub, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return envelope.Ed25519Signer{}, nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return envelope.Ed25519Signer{}, nil, fmt.Errorf("identity: create data dir: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: priv}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return envelope.Ed25519Signer{}, nil, fmt.Errorf("identity: write signing key: %w", err)
	}
	return envelope.Ed25519Signer{Key: priv}, pub, nil
}

const peersDirName = "peers"

// FileLookup implements envelope.PublicKeyLookup by reading one
// base64-encoded raw Ed25519 public key per file, named "<address-without-
// @>.pub", from dataDir/peers/. A process's own address can be pre-loaded
// via RegisterSelf so a principal can verify its own future responses
// without a redundant file on disk.
type FileLookup struct {
	dataDir string

	mu    sync.RWMutex
	cache map[protocol.Address]ed25519.PublicKey
}

// NewFileLookup returns a lookup rooted at dataDir/peers/.
func NewFileLookup(dataDir string) *FileLookup {
	return &FileLookup{dataDir: dataDir, cache: make(map[protocol.Address]ed25519.PublicKey)}
}

// RegisterSelf makes addr resolve to pub without touching disk.
func (f *FileLookup) RegisterSelf(addr protocol.Address, pub ed25519.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[addr] = pub
}

// Lookup resolves addr, checking the in-memory cache (populated by
// RegisterSelf or a prior successful read) before reading
// dataDir/peers/<addr-without-@>.pub.
func (f *FileLookup) Lookup(addr protocol.Address) (crypto.PublicKey, error) {
	f.mu.RLock()
	pub, ok := f.cache[addr]
	f.mu.RUnlock()
	if ok {
		return pub, nil
	}

	path := filepath.Join(f.dataDir, peersDirName, strings.TrimPrefix(string(addr), "@")+".pub")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: no known key for %s: %w", addr, err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("identity: malformed peer key file %s: %w", path, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: peer key file %s has unexpected size %d", path, len(raw))
	}
	pub = ed25519.PublicKey(raw)

	f.mu.Lock()
	f.cache[addr] = pub
	f.mu.Unlock()
	return pub, nil
}

// TrustPeer writes pub to dataDir/peers/<addr-without-@>.pub, the operator-
// facing half of FileLookup's store (e.g. a "trust" CLI subcommand copying a
// peer's public key in after an out-of-band exchange).
func TrustPeer(dataDir string, addr protocol.Address, pub ed25519.PublicKey) error {
	dir := filepath.Join(dataDir, peersDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: create peers dir: %w", err)
	}
	path := filepath.Join(dir, strings.TrimPrefix(string(addr), "@")+".pub")
	encoded := base64.StdEncoding.EncodeToString(pub)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return fmt.Errorf("identity: write peer key %s: %w", path, err)
	}
	return nil
}

// PublicKeyString renders pub as the base64 line TrustPeer/Lookup read and
// write, for a CLI command to print so an operator can hand it to a peer.
func PublicKeyString(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKeyString parses the base64 line PublicKeyString renders, the
// inverse operation a "trust" CLI command needs after an operator pastes a
// peer's printed key back in.
func ParsePublicKeyString(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("identity: malformed public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key has unexpected size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
