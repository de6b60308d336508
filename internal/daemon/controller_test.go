package daemon

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/noports-go/noports/internal/envelope"
	"github.com/noports-go/noports/internal/keygen"
	"github.com/noports-go/noports/internal/logx"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
)

type staticLookup map[protocol.Address]crypto.PublicKey

func (s staticLookup) Lookup(addr protocol.Address) (crypto.PublicKey, error) {
	pub, ok := s[addr]
	if !ok {
		return nil, errLookupNotFound{}
	}
	return pub, nil
}

type errLookupNotFound struct{}

func (errLookupNotFound) Error() string { return "no key for address" }

func newTestController(t *testing.T, sub substrate.Substrate, clientPub ed25519.PublicKey, daemonPriv ed25519.PrivateKey) (*Controller, protocol.Address, protocol.Address) {
	t.Helper()
	client := protocol.Address("@client")
	daemonAddr := protocol.Address("@daemon")

	hostKey, err := keygen.NewEphemeral(keygen.AlgoEd25519)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}

	ctrl := NewController(Controller{
		Device:      protocol.DeviceName("device1"),
		DaemonAddr:  daemonAddr,
		Signer:      envelope.Ed25519Signer{Key: daemonPriv},
		HashingAlgo: envelope.HashSHA256,
		Lookup:      staticLookup{client: clientPub},
		Substrate:   sub,
		HostKey:     hostKey.Signer(),
		DataDir:     t.TempDir(),
		Log:         logx.Setup("error", false),
	})
	return ctrl, client, daemonAddr
}

func TestHandleRequestDirectModePublishesSignedResponse(t *testing.T) {
	sub := substrate.NewMem()
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	daemonPub, daemonPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	ctrl, client, daemonAddr := newTestController(t, sub, clientPub, daemonPriv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responses, err := sub.Subscribe(ctx, `\.device1\.sshnp@daemon$`)
	if err != nil {
		t.Fatalf("subscribe to responses: %v", err)
	}

	go ctrl.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let Run's own Subscribe register

	req := protocol.RequestRecord{
		SessionID: "sess-1",
		Mode:      protocol.ModeDirect,
		Host:      "127.0.0.1",
		Port:      9999,
		RvdNonce:  "nonce-1",
	}
	env, err := envelope.Sign(req, envelope.HashSHA256, envelope.Ed25519Signer{Key: clientPriv})
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	key := protocol.RequestKey(daemonAddr, req.SessionID, ctrl.Device, client)
	if err := sub.Notify(ctx, key, string(raw)); err != nil {
		t.Fatalf("publish request: %v", err)
	}

	select {
	case n := <-responses:
		var respEnv envelope.Envelope
		if err := json.Unmarshal([]byte(n.Value), &respEnv); err != nil {
			t.Fatalf("unmarshal response envelope: %v", err)
		}
		raw, err := envelope.Verify(respEnv, daemonAddr, staticLookup{daemonAddr: daemonPub})
		if err != nil {
			t.Fatalf("verify response envelope: %v", err)
		}
		var resp protocol.ResponsePayload
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("unmarshal response payload: %v", err)
		}
		if resp.Status != protocol.StatusOK {
			t.Fatalf("expected status ok, got %q (message %q)", resp.Status, resp.Message)
		}
		if resp.SessionID != req.SessionID {
			t.Errorf("sessionId mismatch: got %q, want %q", resp.SessionID, req.SessionID)
		}
		if resp.EphemeralPrivateKey == "" {
			t.Error("expected a non-empty ephemeral private key in direct-mode response")
		}
		if ctrl.Authorized.Count() != 1 {
			t.Errorf("expected 1 authorised entry admitted, got %d", ctrl.Authorized.Count())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response notification")
	}
}

func TestHandleRequestRejectsUnauthorizedSender(t *testing.T) {
	sub := substrate.NewMem()
	clientPub, clientPriv, _ := ed25519.GenerateKey(rand.Reader)
	_, daemonPriv, _ := ed25519.GenerateKey(rand.Reader)

	ctrl, client, daemonAddr := newTestController(t, sub, clientPub, daemonPriv)
	ctrl.AllowList = []protocol.Address{"@someone-else"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responses, err := sub.Subscribe(ctx, `\.device1\.sshnp@daemon$`)
	if err != nil {
		t.Fatal(err)
	}

	go ctrl.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	req := protocol.RequestRecord{SessionID: "sess-2", Mode: protocol.ModeDirect, Host: "127.0.0.1", Port: 1, RvdNonce: "n"}
	env, _ := envelope.Sign(req, envelope.HashSHA256, envelope.Ed25519Signer{Key: clientPriv})
	raw, _ := json.Marshal(env)
	key := protocol.RequestKey(daemonAddr, req.SessionID, ctrl.Device, client)
	if err := sub.Notify(ctx, key, string(raw)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-responses:
		t.Fatal("expected no response for an unauthorised sender")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleRequestRejectsMissingRvdNonce(t *testing.T) {
	sub := substrate.NewMem()
	clientPub, clientPriv, _ := ed25519.GenerateKey(rand.Reader)
	_, daemonPriv, _ := ed25519.GenerateKey(rand.Reader)

	ctrl, client, daemonAddr := newTestController(t, sub, clientPub, daemonPriv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responses, err := sub.Subscribe(ctx, `\.device1\.sshnp@daemon$`)
	if err != nil {
		t.Fatal(err)
	}
	go ctrl.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	req := protocol.RequestRecord{SessionID: "sess-3", Mode: protocol.ModeDirect, Host: "127.0.0.1", Port: 1}
	env, _ := envelope.Sign(req, envelope.HashSHA256, envelope.Ed25519Signer{Key: clientPriv})
	raw, _ := json.Marshal(env)
	key := protocol.RequestKey(daemonAddr, req.SessionID, ctrl.Device, client)
	if err := sub.Notify(ctx, key, string(raw)); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-responses:
		var respEnv envelope.Envelope
		if err := json.Unmarshal([]byte(n.Value), &respEnv); err != nil {
			t.Fatal(err)
		}
		var resp protocol.ResponsePayload
		if err := json.Unmarshal(respEnv.Payload, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != protocol.StatusError {
			t.Errorf("expected status error for missing rvdNonce, got %q", resp.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error response")
	}
}
