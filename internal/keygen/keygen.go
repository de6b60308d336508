// Package keygen generates and persists SSH key material: the daemon's
// long-term host key (load-or-generate, persisted as OpenSSH PEM) and the
// per-session ephemeral key pairs of spec §4.2/§4.3. Both follow
// internal/tunnel/server.go's loadOrGenerateHostKey/encodeEd25519PEM shape.
package keygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Algo selects the key type for an ephemeral session key pair (spec §4.3
// "sshAlgo").
type Algo string

const (
	AlgoEd25519 Algo = "ed25519"
	AlgoRSA     Algo = "rsa"

	rsaKeyBits = 2048
)

// Ephemeral is a freshly generated, never-persisted-to-disk-by-default key
// pair for one session. PrivateKeyPEM is handed to the client inside a
// response envelope (direct mode) or held locally (reverse mode);
// AuthorizedKeyLine is appended to the daemon's in-process authorised set.
type Ephemeral struct {
	Algo              Algo
	PrivateKeyPEM     []byte
	AuthorizedKeyLine string
	signer            ssh.Signer
}

// Signer returns the ssh.Signer wrapping this ephemeral key pair, usable
// immediately without round-tripping through PEM.
func (e Ephemeral) Signer() ssh.Signer { return e.signer }

// NewEphemeral generates a fresh ephemeral SSH key pair of the requested
// algorithm.
func NewEphemeral(algo Algo) (Ephemeral, error) {
	switch algo {
	case AlgoEd25519:
		return newEphemeralEd25519()
	case AlgoRSA:
		return newEphemeralRSA()
	default:
		return Ephemeral{}, fmt.Errorf("keygen: unsupported ephemeral algo %q", algo)
	}
}

func newEphemeralEd25519() (Ephemeral, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ephemeral{}, fmt.Errorf("keygen: generate ed25519 key: %w", err)
	}
	pemBytes, err := encodePrivatePEM(priv)
	if err != nil {
		return Ephemeral{}, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return Ephemeral{}, fmt.Errorf("keygen: wrap ed25519 public key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return Ephemeral{}, fmt.Errorf("keygen: signer from ed25519 key: %w", err)
	}
	return Ephemeral{
		Algo:              AlgoEd25519,
		PrivateKeyPEM:     pemBytes,
		AuthorizedKeyLine: string(ssh.MarshalAuthorizedKey(sshPub)),
		signer:            signer,
	}, nil
}

func newEphemeralRSA() (Ephemeral, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return Ephemeral{}, fmt.Errorf("keygen: generate rsa key: %w", err)
	}
	pemBytes, err := encodePrivatePEM(priv)
	if err != nil {
		return Ephemeral{}, err
	}
	sshPub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return Ephemeral{}, fmt.Errorf("keygen: wrap rsa public key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return Ephemeral{}, fmt.Errorf("keygen: signer from rsa key: %w", err)
	}
	return Ephemeral{
		Algo:              AlgoRSA,
		PrivateKeyPEM:     pemBytes,
		AuthorizedKeyLine: string(ssh.MarshalAuthorizedKey(sshPub)),
		signer:            signer,
	}, nil
}

// encodePrivatePEM marshals an ed25519 or *rsa.PrivateKey to OpenSSH PEM,
// generalising the teacher's encodeEd25519PEM to either key type.
func encodePrivatePEM(key any) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return nil, fmt.Errorf("keygen: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

const hostKeyFile = "host_key"

// LoadOrGenerateHostKey reads the daemon's long-term Ed25519
// host key from dataDir/host_key, generating and persisting one on first
// run. Verbatim generalisation of tunnel/server.go's loadOrGenerateHostKey.
func LoadOrGenerateHostKey(dataDir string) (ssh.Signer, error) {
	path := filepath.Join(dataDir, hostKeyFile)

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("keygen: read host key %s: %w", path, err)
	}

	if err == nil {
		if b, _ := pem.Decode(data); b == nil {
			return nil, fmt.Errorf("keygen: host key file %s contains no PEM block", path)
		}
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("keygen: parse host key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keygen: generate host key: %w", err)
	}

	pemBytes, err := encodePrivatePEM(priv)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("keygen: create data dir: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("keygen: write host key: %w", err)
	}

	return ssh.NewSignerFromKey(priv)
}
