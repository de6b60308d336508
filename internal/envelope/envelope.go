// Package envelope implements the signed-envelope auth scheme of spec §3/§4.4:
// canonicalise a JSON payload, hash it, sign the digest with a principal's
// long-term key, and verify the same on the receiving end. It generalises
// the teacher's internal/crypto/crypto.go key-resolution-and-cache idiom
// (sync.Once-guarded symmetric key) to an asymmetric sign/verify seam backed
// by a pluggable PublicKeyLookup, and reuses golang-jwt/v5's RSA signing-method
// Hash constants instead of hand-rolling the hashingAlgo -> crypto.Hash table.
package envelope

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
)

// Envelope is the wire shape shared by response envelopes and auth
// envelopes (§3): a base64 signature plus the algorithm tags that produced
// it, wrapping an opaque payload.
type Envelope struct {
	Signature   string          `json:"signature"`
	HashingAlgo string          `json:"hashingAlgo"`
	SigningAlgo string          `json:"signingAlgo"`
	Payload     json.RawMessage `json:"payload"`
}

// Supported algorithm sets, per spec.md §3 and the resolved open question in
// SPEC_FULL.md §5 (public-key prefixes fixed to ssh-rsa/ssh-ed25519).
const (
	HashSHA256 = "sha256"
	HashSHA512 = "sha512"

	SignRSA2048 = "rsa2048"
	SignEd25519 = "ed25519"
)

var rsaHashByName = map[string]crypto.Hash{
	HashSHA256: jwt.SigningMethodRS256.Hash,
	HashSHA512: jwt.SigningMethodRS512.Hash,
}

func validHashingAlgo(a string) bool {
	_, ok := rsaHashByName[a]
	return ok
}

func validSigningAlgo(a string) bool {
	return a == SignRSA2048 || a == SignEd25519
}

func digest(canonical []byte, hashingAlgo string) ([]byte, error) {
	switch hashingAlgo {
	case HashSHA256:
		sum := sha256.Sum256(canonical)
		return sum[:], nil
	case HashSHA512:
		sum := sha512.Sum512(canonical)
		return sum[:], nil
	default:
		return nil, nperrors.Auth(fmt.Sprintf("unsupported hashingAlgo %q", hashingAlgo), nil)
	}
}

// Canonicalize re-encodes v (a struct, map, or json.RawMessage) with
// lexicographically sorted object keys at every nesting level, so two
// semantically-equal payloads always produce identical bytes to sign or
// verify. It relies on encoding/json's own behaviour of sorting
// map[string]any keys on Marshal.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("envelope: normalize payload: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Signer produces a raw signature over a digest using one principal's
// long-term private key.
type Signer interface {
	// Algo returns the signingAlgo this signer implements, SignRSA2048 or
	// SignEd25519.
	Algo() string
	// Sign signs the digest and returns the raw (non-base64) signature bytes.
	Sign(digest []byte) ([]byte, error)
}

// RSASigner signs with an RSA-2048 long-term key via PKCS#1 v1.5.
type RSASigner struct {
	Key         *rsa.PrivateKey
	HashingAlgo string
}

func (s RSASigner) Algo() string { return SignRSA2048 }

func (s RSASigner) Sign(digest []byte) ([]byte, error) {
	h, ok := rsaHashByName[s.HashingAlgo]
	if !ok {
		return nil, fmt.Errorf("envelope: unsupported hashingAlgo %q for rsa2048", s.HashingAlgo)
	}
	return rsa.SignPKCS1v15(nil, s.Key, h, digest)
}

// Ed25519Signer signs with an Ed25519 long-term key. Ed25519 signs its input
// message directly (no external pre-hash by design); the digest produced
// from hashingAlgo is used as that message, which is a standard and safe use
// of the primitive.
type Ed25519Signer struct {
	Key ed25519.PrivateKey
}

func (s Ed25519Signer) Algo() string { return SignEd25519 }

func (s Ed25519Signer) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.Key, digest), nil
}

// Sign canonicalises payload, hashes it with hashingAlgo, signs the digest
// with signer, and returns the resulting Envelope.
func Sign(payload any, hashingAlgo string, signer Signer) (Envelope, error) {
	if !validHashingAlgo(hashingAlgo) {
		return Envelope{}, nperrors.Config(fmt.Sprintf("unsupported hashingAlgo %q", hashingAlgo), nil)
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return Envelope{}, err
	}
	d, err := digest(canonical, hashingAlgo)
	if err != nil {
		return Envelope{}, err
	}
	sig, err := signer.Sign(d)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: sign: %w", err)
	}
	return Envelope{
		Signature:   base64.StdEncoding.EncodeToString(sig),
		HashingAlgo: hashingAlgo,
		SigningAlgo: signer.Algo(),
		Payload:     canonical,
	}, nil
}

// PublicKeyLookup resolves an address to its currently-advertised signing
// public key. It is the seam onto the identity substrate (spec §1, out of
// scope here): internal/substrate and test fakes provide concrete
// implementations.
type PublicKeyLookup interface {
	Lookup(addr protocol.Address) (crypto.PublicKey, error)
}

// Verify re-canonicalises env.Payload, recomputes the digest, and checks the
// signature against the public key lookup resolves for addr. On success it
// returns the canonical payload bytes for the caller to unmarshal into a
// concrete type.
func Verify(env Envelope, addr protocol.Address, lookup PublicKeyLookup) (json.RawMessage, error) {
	if !validHashingAlgo(env.HashingAlgo) {
		return nil, nperrors.Auth(fmt.Sprintf("unsupported hashingAlgo %q", env.HashingAlgo), nil)
	}
	if !validSigningAlgo(env.SigningAlgo) {
		return nil, nperrors.Auth(fmt.Sprintf("unsupported signingAlgo %q", env.SigningAlgo), nil)
	}

	canonical, err := Canonicalize(json.RawMessage(env.Payload))
	if err != nil {
		return nil, nperrors.Auth("malformed payload", err)
	}
	d, err := digest(canonical, env.HashingAlgo)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, nperrors.Auth("malformed signature encoding", err)
	}

	pub, err := lookup.Lookup(addr)
	if err != nil {
		return nil, nperrors.Auth(fmt.Sprintf("no public key for %s", addr), err)
	}

	switch env.SigningAlgo {
	case SignRSA2048:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, nperrors.Auth(fmt.Sprintf("public key for %s is not rsa", addr), nil)
		}
		h, ok := rsaHashByName[env.HashingAlgo]
		if !ok {
			return nil, nperrors.Auth(fmt.Sprintf("unsupported hashingAlgo %q", env.HashingAlgo), nil)
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, h, d, sig); err != nil {
			return nil, nperrors.Auth("signature verification failed", err)
		}
	case SignEd25519:
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, nperrors.Auth(fmt.Sprintf("public key for %s is not ed25519", addr), nil)
		}
		if !ed25519.Verify(edPub, d, sig) {
			return nil, nperrors.Auth("signature verification failed", nil)
		}
	}

	return canonical, nil
}

// CachingLookup decorates a PublicKeyLookup with a cache keyed by address,
// avoiding a substrate round-trip on every Verify call. Generalises the
// teacher's sync.Once-per-process key cache (crypto.go's key()) into a
// sync.Map cache keyed per-address rather than a single process-wide key.
type CachingLookup struct {
	inner PublicKeyLookup
	cache sync.Map // protocol.Address -> crypto.PublicKey
}

// NewCachingLookup wraps inner with an address-keyed cache.
func NewCachingLookup(inner PublicKeyLookup) *CachingLookup {
	return &CachingLookup{inner: inner}
}

func (c *CachingLookup) Lookup(addr protocol.Address) (crypto.PublicKey, error) {
	if v, ok := c.cache.Load(addr); ok {
		return v.(crypto.PublicKey), nil
	}
	pub, err := c.inner.Lookup(addr)
	if err != nil {
		return nil, err
	}
	c.cache.Store(addr, pub)
	return pub, nil
}

// Invalidate drops any cached key for addr, forcing the next Lookup to go
// through to inner. Used when a verification failure suggests a rotated key.
func (c *CachingLookup) Invalidate(addr protocol.Address) {
	c.cache.Delete(addr)
}
