package envelope

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	"github.com/noports-go/noports/internal/protocol"
)

type staticLookup map[protocol.Address]crypto.PublicKey

func (s staticLookup) Lookup(addr protocol.Address) (crypto.PublicKey, error) {
	pub, ok := s[addr]
	if !ok {
		return nil, errNotFound
	}
	return pub, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

type testPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

func TestSignVerifyRoundTripEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	addr := protocol.Address("@daemon")
	lookup := staticLookup{addr: pub}

	payload := testPayload{SessionID: "abc-123", Status: "ok"}
	env, err := Sign(payload, HashSHA256, Ed25519Signer{Key: priv})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	raw, err := Verify(env, addr, lookup)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var got testPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal verified payload: %v", err)
	}
	if got != payload {
		t.Errorf("payload mismatch: got %+v, want %+v", got, payload)
	}
}

func TestSignVerifyRoundTripRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	addr := protocol.Address("@daemon")
	lookup := staticLookup{addr: &priv.PublicKey}

	payload := testPayload{SessionID: "xyz-789", Status: "ok"}
	env, err := Sign(payload, HashSHA512, RSASigner{Key: priv, HashingAlgo: HashSHA512})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := Verify(env, addr, lookup); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsBitFlippedSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	addr := protocol.Address("@daemon")
	lookup := staticLookup{addr: pub}

	env, err := Sign(testPayload{SessionID: "s1", Status: "ok"}, HashSHA256, Ed25519Signer{Key: priv})
	if err != nil {
		t.Fatal(err)
	}
	sigBytes := []byte(env.Signature)
	sigBytes[0] ^= 0xFF
	env.Signature = string(sigBytes)

	if _, err := Verify(env, addr, lookup); err == nil {
		t.Fatal("expected verification failure on tampered signature")
	}
}

func TestVerifyRejectsMutatedPayload(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	addr := protocol.Address("@daemon")
	lookup := staticLookup{addr: pub}

	env, err := Sign(testPayload{SessionID: "s1", Status: "ok"}, HashSHA256, Ed25519Signer{Key: priv})
	if err != nil {
		t.Fatal(err)
	}

	var tampered map[string]any
	if err := json.Unmarshal(env.Payload, &tampered); err != nil {
		t.Fatal(err)
	}
	tampered["sessionId"] = "s2"
	mutated, _ := json.Marshal(tampered)
	env.Payload = mutated

	if _, err := Verify(env, addr, lookup); err == nil {
		t.Fatal("expected verification failure on mutated payload")
	}
}

func TestVerifyRejectsUnsupportedAlgo(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	addr := protocol.Address("@daemon")
	lookup := staticLookup{addr: pub}

	env, err := Sign(testPayload{SessionID: "s1", Status: "ok"}, HashSHA256, Ed25519Signer{Key: priv})
	if err != nil {
		t.Fatal(err)
	}
	env.HashingAlgo = "md5"

	if _, err := Verify(env, addr, lookup); err == nil {
		t.Fatal("expected rejection of unsupported hashingAlgo")
	}
}

func TestCachingLookupCachesAfterFirstHit(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	addr := protocol.Address("@daemon")
	calls := 0
	countingLookup := lookupFunc(func(a protocol.Address) (crypto.PublicKey, error) {
		calls++
		return pub, nil
	})

	cache := NewCachingLookup(countingLookup)
	for i := 0; i < 3; i++ {
		if _, err := cache.Lookup(addr); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 underlying lookup, got %d", calls)
	}

	cache.Invalidate(addr)
	if _, err := cache.Lookup(addr); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected 2 underlying lookups after invalidate, got %d", calls)
	}
}

type lookupFunc func(protocol.Address) (crypto.PublicKey, error)

func (f lookupFunc) Lookup(addr protocol.Address) (crypto.PublicKey, error) { return f(addr) }
