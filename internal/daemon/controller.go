package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/noports-go/noports/internal/audit"
	"github.com/noports-go/noports/internal/cleanup"
	"github.com/noports-go/noports/internal/envelope"
	"github.com/noports-go/noports/internal/keygen"
	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
	"github.com/noports-go/noports/internal/tempfiles"
)

// defaultSSHDPort is the device's real local SSH service, the sole
// destination any ephemeral key may be restricted to forward to (spec §4.2).
const defaultSSHDPort = 22

// Controller implements the daemon's request-handling loop (spec §4.2): it
// subscribes for session requests addressed to Device, authorises the
// sender, dispatches to direct or reverse mode, and publishes a signed
// response. It also owns the mapping from sessionId to that session's
// cleanup.Tracker, since AuthorizedSet's idle eviction (the primary trigger
// for tearing a session down) only knows a sessionId, not a Tracker.
type Controller struct {
	Device      protocol.DeviceName
	DaemonAddr  protocol.Address
	Signer      envelope.Signer
	HashingAlgo string
	Lookup      envelope.PublicKeyLookup
	Substrate   substrate.Substrate
	HostKey     ssh.Signer
	AllowList   []protocol.Address // empty = accept all senders
	SSHDPort    int
	DataDir     string
	SignerAlgo  keygen.Algo
	Log         zerolog.Logger

	Authorized *AuthorizedSet

	trackers          sync.Map // sessionID -> *cleanup.Tracker
	unauthorizedCount int
}

// NewController wires an AuthorizedSet whose idle-eviction callback tears
// down the evicted session's full cleanup.Tracker, not just its authorised
// entry.
func NewController(c Controller) *Controller {
	ctrl := &c
	ctrl.Authorized = NewAuthorizedSet(ctrl.runCleanup)
	return ctrl
}

func (c *Controller) runCleanup(sessionID string) {
	v, ok := c.trackers.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	v.(*cleanup.Tracker).Run(context.Background())
}

// TrackerLookup satisfies worker.TrackerLookup, letting an Asynq
// session:cleanup task run the cleanup of a session this process still
// tracks. Trackers are held only in memory, so after a daemon restart the
// lookup finds nothing; the Controller itself never enqueues such a task.
func (c *Controller) TrackerLookup(sessionID string) (*cleanup.Tracker, bool) {
	v, ok := c.trackers.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*cleanup.Tracker), true
}

// Run subscribes to request notifications for this device and blocks until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if c.SSHDPort == 0 {
		c.SSHDPort = defaultSSHDPort
	}
	pattern := fmt.Sprintf(`^%s:.*\.%s\.sshnp`, regexpQuote(string(c.DaemonAddr)), regexpQuote(string(c.Device)))
	notifications, err := c.Substrate.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("daemon: subscribe: %w", err)
	}

	c.Log.Info().Str("device", string(c.Device)).Msg("daemon listening for session requests")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			go c.handleNotification(ctx, n)
		}
	}
}

func (c *Controller) handleNotification(ctx context.Context, n substrate.Notification) {
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(n.Value), &env); err != nil {
		c.Log.Warn().Err(err).Msg("daemon: malformed request envelope")
		return
	}

	// The notification key format, "<daemon>:<sessionId>.<device>.sshnp<client>",
	// puts the sender's address at the tail; authorisation only needs that
	// address, not the verified payload.
	clientAddr := senderFromRequestKey(n.Key)
	if !c.authorized(clientAddr) {
		c.unauthorizedCount++
		c.Log.Debug().Str("client", string(clientAddr)).Msg("daemon: unauthorised sender, dropping")
		return
	}

	payload, err := envelope.Verify(env, clientAddr, c.Lookup)
	if err != nil {
		c.Log.Warn().Err(err).Str("client", string(clientAddr)).Msg("daemon: request envelope failed verification")
		return
	}

	var req protocol.RequestRecord
	if err := json.Unmarshal(payload, &req); err != nil {
		c.respondError(ctx, clientAddr, "", err.Error())
		return
	}

	c.handleRequest(ctx, clientAddr, req)
}

func (c *Controller) authorized(addr protocol.Address) bool {
	if len(c.AllowList) == 0 {
		return true
	}
	for _, a := range c.AllowList {
		if a == addr {
			return true
		}
	}
	return false
}

func (c *Controller) handleRequest(ctx context.Context, clientAddr protocol.Address, req protocol.RequestRecord) {
	tracker := cleanup.New(req.SessionID, c.Log)
	c.trackers.Store(req.SessionID, tracker)

	tempSession := tempfiles.NewSession(c.DataDir, req.SessionID)
	tracker.Track("tempfiles", func(ctx context.Context) error { return tempSession.Cleanup() })
	tracker.Track("authorized-entries", func(ctx context.Context) error {
		c.Authorized.Remove(req.SessionID)
		return nil
	})

	audit.Write(c.Log, audit.Entry{
		SessionID:  req.SessionID,
		Action:     "session.request",
		ClientAddr: string(clientAddr),
		DaemonAddr: string(c.DaemonAddr),
		Device:     string(c.Device),
		Status:     audit.StatusPending,
	})

	var resp protocol.ResponsePayload
	var handleErr error

	switch req.Mode {
	case protocol.ModeDirect:
		resp, handleErr = c.handleDirect(ctx, req)
	case protocol.ModeReverse:
		resp, handleErr = c.handleReverse(ctx, req)
	default:
		handleErr = nperrors.Config(fmt.Sprintf("unknown mode %q", req.Mode), nil)
	}

	if handleErr != nil {
		resp = protocol.ResponsePayload{SessionID: req.SessionID, Status: protocol.StatusError, Message: handleErr.Error()}
		audit.Write(c.Log, audit.Entry{SessionID: req.SessionID, Action: "session.request", Status: audit.StatusFailed, Detail: map[string]any{"error": handleErr.Error()}})
		// Setup failed before anything was admitted to the authorised set;
		// nothing will ever trigger the idle-eviction path, so tear down now.
		c.trackers.Delete(req.SessionID)
		tracker.Run(ctx)
	} else {
		audit.Write(c.Log, audit.Entry{SessionID: req.SessionID, Action: "session.request", Status: audit.StatusSuccess})
	}

	c.respond(ctx, clientAddr, resp)

	// On success, cleanup is deferred to AuthorizedSet's idle-eviction
	// callback (c.runCleanup) once the ephemeral key it admitted goes
	// unused for authorizedIdleTimeout. No worker cleanup task is enqueued
	// for the session.
}

func (c *Controller) handleDirect(ctx context.Context, req protocol.RequestRecord) (protocol.ResponsePayload, error) {
	algo := c.SignerAlgo
	if algo == "" {
		algo = keygen.AlgoEd25519
	}
	ephemeral, err := keygen.NewEphemeral(algo)
	if err != nil {
		return protocol.ResponsePayload{}, err
	}

	if req.RvdNonce == "" {
		return protocol.ResponsePayload{}, nperrors.Config("direct mode requires rvdNonce", nil)
	}

	forwardAddr := fmt.Sprintf("localhost:%d", c.SSHDPort)
	c.Authorized.Admit(req.SessionID, ephemeral.Signer().PublicKey(), forwardAddr)

	// The dial begins before the response publishes, so the relay is ready
	// for the client's own dial as soon as it receives this reply.
	go func() {
		if err := DialDirect(ctx, req.Host, req.Port, req.SessionID, req.RvdNonce, c.Signer, c.HashingAlgo, c.HostKey, c.Authorized, c.Log); err != nil {
			c.Log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("daemon: direct dial failed")
		}
	}()

	return protocol.ResponsePayload{
		SessionID:           req.SessionID,
		Status:              protocol.StatusOK,
		EphemeralPrivateKey: string(ephemeral.PrivateKeyPEM),
	}, nil
}

func (c *Controller) handleReverse(ctx context.Context, req protocol.RequestRecord) (protocol.ResponsePayload, error) {
	if req.EphemeralPublicKey == "" {
		return protocol.ResponsePayload{}, nperrors.Config("reverse mode requires ephemeralPublicKey", nil)
	}
	pub, err := parseAuthorizedKey(req.EphemeralPublicKey)
	if err != nil {
		return protocol.ResponsePayload{}, nperrors.Config("malformed ephemeralPublicKey", err)
	}
	if req.RemoteForwardPort == 0 {
		return protocol.ResponsePayload{}, nperrors.Config("reverse mode requires remoteForwardPort", nil)
	}

	forwardAddr := fmt.Sprintf("localhost:%d", c.SSHDPort)
	c.Authorized.Admit(req.SessionID, pub, forwardAddr)

	go func() {
		if err := DialReverse(ctx, req.Host, req.Port, req.RemoteForwardPort, c.HostKey, c.Authorized, c.Log); err != nil {
			c.Log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("daemon: reverse dial failed")
		}
	}()

	return protocol.ResponsePayload{SessionID: req.SessionID, Status: protocol.StatusConnected}, nil
}

func (c *Controller) respond(ctx context.Context, clientAddr protocol.Address, payload protocol.ResponsePayload) {
	env, err := envelope.Sign(payload, c.HashingAlgo, c.Signer)
	if err != nil {
		c.Log.Error().Err(err).Msg("daemon: sign response envelope")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.Log.Error().Err(err).Msg("daemon: marshal response envelope")
		return
	}
	key := protocol.ResponseKey(clientAddr, payload.SessionID, c.Device, c.DaemonAddr)
	if err := c.Substrate.Notify(ctx, key, string(raw)); err != nil {
		c.Log.Error().Err(err).Msg("daemon: publish response")
	}
}

func (c *Controller) respondError(ctx context.Context, clientAddr protocol.Address, sessionID, message string) {
	c.respond(ctx, clientAddr, protocol.ResponsePayload{SessionID: sessionID, Status: protocol.StatusError, Message: message})
}

// parseAuthorizedKey parses a single "ssh-ed25519 AAAA..." or
// "ssh-rsa AAAA..." authorized_keys-format line into its public key.
func parseAuthorizedKey(line string) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, err
	}
	if t := pub.Type(); t != ssh.KeyAlgoED25519 && t != ssh.KeyAlgoRSA {
		return nil, fmt.Errorf("daemon: unsupported authorized key type %q", t)
	}
	return pub, nil
}

// regexpQuote escapes regexp metacharacters in an address or device name so
// it can be embedded literally in a Subscribe pattern.
func regexpQuote(s string) string {
	quoted := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '.', '+', '*', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			quoted = append(quoted, '\\', c)
		default:
			quoted = append(quoted, c)
		}
	}
	return string(quoted)
}

// senderFromRequestKey extracts the trailing "sshnp<client>" suffix's
// address from a notification key of the shape
// "<daemon>:<sessionId>.<device>.sshnp<client>".
func senderFromRequestKey(key string) protocol.Address {
	const marker = "sshnp"
	idx := strings.LastIndex(key, marker)
	if idx < 0 {
		return ""
	}
	return protocol.Address(key[idx+len(marker):])
}
