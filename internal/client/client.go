// Package client implements np, the session orchestrator of spec §4.3: it
// resolves the remote username, optionally allocates a rendezvous session,
// generates or receives an ephemeral key, exchanges signed request/response
// envelopes with the daemon, establishes the direct or legacy-reverse data
// path, and emits the ssh command line a user runs to complete the
// connection. Grounded on internal/terminal/ssh.go's context-cancellable
// dial pattern and internal/terminal/session.go's idle-registry shape,
// generalised here into single-shot completers (§9 "Completers / awaited
// futures"): each wait is a buffered channel guarded by its own
// context.WithTimeout, never a shared boolean flag.
package client

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noports-go/noports/internal/cleanup"
	"github.com/noports-go/noports/internal/envelope"
	"github.com/noports-go/noports/internal/keygen"
	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
	"github.com/noports-go/noports/internal/tempfiles"
)

// controlTimeout bounds the wait for a rendezvous allocation reply or a
// daemon response envelope (spec §5: "10 s for control responses").
const controlTimeout = 10 * time.Second

// defaultUsernameShareTTL is the default window the orchestrator waits for
// a shared-username notification before falling back (spec §9 open
// question: ttl made configurable, default matches the 10s the spec names).
const defaultUsernameShareTTL = 10 * time.Second

// defaultForwardUser is used when no remoteUsername is configured and none
// is observed on the shared-key channel within UsernameShareTTL.
const defaultForwardUser = "np"

// defaultSSHDPort mirrors the daemon's own default forward target
// (internal/daemon.defaultSSHDPort): the only address ServeAuthorizedConn
// permits an ephemeral key to forward to unless reconfigured.
const defaultSSHDPort = 22

// Config holds the orchestrator's per-invocation inputs (spec §4.3
// "Inputs").
type Config struct {
	ClientAddr protocol.Address
	DaemonAddr protocol.Address
	Device     protocol.DeviceName

	SSHAlgo keygen.Algo

	// Host is either a public IP (legacy reverse mode) or an "@rvdAddress"
	// (direct-via-rendezvous mode).
	Host string
	// Port is the remote side's SSH port in legacy reverse mode: the port
	// the daemon dials back to reach this client's embedded reverse server.
	Port int
	// LocalPort is the local listener/remote-forward port; 0 selects an
	// ephemeral port.
	LocalPort int
	// SSHDPort is the device's real local SSH service a direct-mode
	// direct-tcpip channel targets; 0 defaults to defaultSSHDPort. Mirrors
	// internal/daemon.Controller.SSHDPort so both sides agree on the
	// forward target without either hard-coding it.
	SSHDPort int

	RemoteUsername   string
	UsernameShareTTL time.Duration
	IdentityFile     string

	Verbose bool
}

// Orchestrator drives one np session end to end.
type Orchestrator struct {
	Config      Config
	Signer      envelope.Signer
	HashingAlgo string
	Lookup      envelope.PublicKeyLookup
	Substrate   substrate.Substrate
	DataDir     string
	Log         zerolog.Logger
}

// Result is what a successful session produces: the ssh command line to
// run, and the path of the private key written for it.
type Result struct {
	SessionID    string
	Command      string
	IdentityFile string
	LocalPort    int
}

// Run executes the 7-step algorithm of spec §4.3. On any failure, cleanup
// runs before the error is returned (step 7).
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if o.Config.UsernameShareTTL == 0 {
		o.Config.UsernameShareTTL = defaultUsernameShareTTL
	}
	sessionID := protocol.NewSessionID()
	tracker := cleanup.New(sessionID, o.Log)
	tempSession := tempfiles.NewSession(o.DataDir, sessionID)
	tracker.Track("tempfiles", func(ctx context.Context) error { return tempSession.Cleanup() })

	result, err := o.run(ctx, sessionID, tracker, tempSession)
	if err != nil {
		tracker.Run(context.Background())
		return Result{}, err
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, sessionID string, tracker *cleanup.Tracker, tempSession *tempfiles.Session) (Result, error) {
	// Step 1: preconditions, subscribe for the response, resolve remoteUsername.
	responsePattern := regexpQuoteLiteral(protocol.ResponseKey(o.Config.ClientAddr, sessionID, o.Config.Device, o.Config.DaemonAddr))
	responses, err := o.Substrate.Subscribe(ctx, responsePattern)
	if err != nil {
		return Result{}, nperrors.Transient("subscribe for response", err)
	}

	remoteUsername := o.resolveUsername(ctx)

	req := protocol.RequestRecord{SessionID: sessionID}
	legacyReverse := !strings.HasPrefix(o.Config.Host, "@")

	var alloc protocol.Allocation
	var ephemeral keygen.Ephemeral
	var reverseLocalPort int
	if legacyReverse {
		// Step 3 (reverse path): the client proves its own ephemeral key to
		// the daemon up front, since the daemon never hands one back in
		// this mode.
		ephemeral, err = keygen.NewEphemeral(algoOrDefault(o.Config.SSHAlgo))
		if err != nil {
			return Result{}, nperrors.Config("generate ephemeral key", err)
		}

		reverseLocalPort, err = resolvePort(o.Config.LocalPort)
		if err != nil {
			return Result{}, nperrors.Resource("reserve local forward port", err)
		}

		// The reverse-mode server must already be accepting on Port before
		// the request is ever published: the daemon's DialReverse dials
		// back as soon as it admits the request, with no handshake to tell
		// it to wait for the client to catch up.
		if err := o.startReverseServer(ctx, tracker, o.Config.Port, reverseLocalPort); err != nil {
			return Result{}, err
		}

		req.Mode = protocol.ModeReverse
		req.Host = o.Config.Host
		req.Port = o.Config.Port
		req.EphemeralPublicKey = ephemeral.AuthorizedKeyLine
		req.RemoteForwardPort = reverseLocalPort
	} else {
		// Step 2: direct mode — allocate a rendezvous session first. The
		// daemon is told PortB (it dials in as the SideB peer); the client
		// itself dials in on PortA (the SideA peer) below, in bridgeDirect.
		rvdAddr := protocol.Address(o.Config.Host)
		var allocErr error
		alloc, allocErr = o.allocateRendezvous(ctx, sessionID, rvdAddr)
		if allocErr != nil {
			return Result{}, allocErr
		}
		req.Mode = protocol.ModeDirect
		req.Host = alloc.IP
		req.Port = alloc.PortB
		req.RvdNonce = alloc.RvdNonce
	}

	// Step 4: publish the signed request, await the signed response.
	resp, err := o.exchangeRequest(ctx, sessionID, req, responses)
	if err != nil {
		return Result{}, err
	}
	if resp.Status == protocol.StatusError {
		return Result{}, nperrors.Remote(resp.Message, nil)
	}

	var identityPEM []byte
	if legacyReverse {
		identityPEM = ephemeral.PrivateKeyPEM
	} else {
		if resp.EphemeralPrivateKey == "" {
			return Result{}, nperrors.Remote("response missing ephemeralPrivateKey", nil)
		}
		identityPEM = []byte(resp.EphemeralPrivateKey)
	}

	identityPath, err := tempSession.WriteKey("id_"+string(algoOrDefault(o.Config.SSHAlgo)), identityPEM)
	if err != nil {
		return Result{}, nperrors.Config("write ephemeral identity file", err)
	}
	if o.Config.IdentityFile != "" {
		identityPath = o.Config.IdentityFile
	}

	// Step 5: establish the data path. In reverse mode the listener was
	// already started above (before the request was published); here we
	// only need the port number for the ssh command line.
	var localPort int
	if legacyReverse {
		localPort = reverseLocalPort
	} else {
		localPort, err = o.bridgeDirect(ctx, tracker, sessionID, alloc, identityPEM)
		if err != nil {
			return Result{}, err
		}
	}

	// Step 6: emit the ssh command line.
	cmd, err := renderSSHCommand(sshCommandParams{
		Port:         localPort,
		IdentityFile: identityPath,
		Username:     remoteUsername,
	})
	if err != nil {
		return Result{}, nperrors.Config("render ssh command", err)
	}

	return Result{SessionID: sessionID, Command: cmd, IdentityFile: identityPath, LocalPort: localPort}, nil
}

// resolveUsername implements the remoteUsername resolution of spec §4.3
// step 1: an explicit override wins; otherwise wait up to UsernameShareTTL
// for a notification on the shared-key channel before falling back to a
// sane default, mirroring the teacher's never-block-forever treatment of
// optional metadata.
func (o *Orchestrator) resolveUsername(ctx context.Context) string {
	if o.Config.RemoteUsername != "" {
		return o.Config.RemoteUsername
	}

	ctx, cancel := context.WithTimeout(ctx, o.Config.UsernameShareTTL)
	defer cancel()

	key := protocol.UsernameShareKey(o.Config.ClientAddr, o.Config.Device, o.Config.DaemonAddr)
	notifications, err := o.Substrate.Subscribe(ctx, regexpQuoteLiteral(key))
	if err != nil {
		return defaultForwardUser
	}
	select {
	case n := <-notifications:
		if n.Value != "" {
			return n.Value
		}
	case <-ctx.Done():
	}
	return defaultForwardUser
}

// rendezvousRequestPayload mirrors internal/rendezvous.requestPayload: the
// two packages never share a type (the relay's is unexported, by design —
// nothing outside that package constructs an allocation directly), but both
// sides must agree on this wire shape.
type rendezvousRequestPayload struct {
	SessionID  string `json:"sessionId"`
	ClientAddr string `json:"clientAddr"`
	DaemonAddr string `json:"daemonAddr"`
}

// allocateRendezvous implements spec §4.3 step 2.
func (o *Orchestrator) allocateRendezvous(ctx context.Context, sessionID string, rvdAddr protocol.Address) (protocol.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	replies, err := o.Substrate.Subscribe(ctx, regexpQuoteLiteral(sessionID))
	if err != nil {
		return protocol.Allocation{}, nperrors.Transient("subscribe for rendezvous reply", err)
	}

	reqBody, err := json.Marshal(rendezvousRequestPayload{
		SessionID:  sessionID,
		ClientAddr: string(o.Config.ClientAddr),
		DaemonAddr: string(o.Config.DaemonAddr),
	})
	if err != nil {
		return protocol.Allocation{}, nperrors.Config("marshal rendezvous request", err)
	}

	key := protocol.RvdRequestKey(rvdAddr, o.Config.Device, o.Config.ClientAddr)
	if err := o.Substrate.Notify(ctx, key, string(reqBody)); err != nil {
		return protocol.Allocation{}, nperrors.Transient("publish rendezvous request", err)
	}

	select {
	case n := <-replies:
		alloc, err := protocol.ParseAllocation(n.Value)
		if err != nil {
			return protocol.Allocation{}, nperrors.Remote("malformed rendezvous allocation reply", err)
		}
		return alloc, nil
	case <-ctx.Done():
		return protocol.Allocation{}, nperrors.Timeout("rendezvous allocation", ctx.Err())
	}
}

// exchangeRequest implements spec §4.3 step 4.
func (o *Orchestrator) exchangeRequest(ctx context.Context, sessionID string, req protocol.RequestRecord, responses <-chan substrate.Notification) (protocol.ResponsePayload, error) {
	env, err := envelope.Sign(req, o.HashingAlgo, o.Signer)
	if err != nil {
		return protocol.ResponsePayload{}, nperrors.Config("sign request envelope", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return protocol.ResponsePayload{}, nperrors.Config("marshal request envelope", err)
	}

	key := protocol.RequestKey(o.Config.DaemonAddr, sessionID, o.Config.Device, o.Config.ClientAddr)
	if err := o.Substrate.Notify(ctx, key, string(raw)); err != nil {
		return protocol.ResponsePayload{}, nperrors.Transient("publish session request", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	select {
	case n := <-responses:
		var respEnv envelope.Envelope
		if err := json.Unmarshal([]byte(n.Value), &respEnv); err != nil {
			return protocol.ResponsePayload{}, nperrors.Remote("malformed response envelope", err)
		}
		payload, err := envelope.Verify(respEnv, o.Config.DaemonAddr, o.Lookup)
		if err != nil {
			return protocol.ResponsePayload{}, err
		}
		var resp protocol.ResponsePayload
		if err := json.Unmarshal(payload, &resp); err != nil {
			return protocol.ResponsePayload{}, nperrors.Remote("malformed response payload", err)
		}
		return resp, nil
	case <-waitCtx.Done():
		return protocol.ResponsePayload{}, nperrors.Timeout("daemon response", waitCtx.Err())
	}
}

func algoOrDefault(a keygen.Algo) keygen.Algo {
	if a == "" {
		return keygen.AlgoEd25519
	}
	return a
}

// resolvePort binds an ephemeral TCP listener to discover a free port when
// requested is 0 (spec §8: "localPort=0 ⇒ orchestrator binds a real port >
// 0 before publishing the request"), then closes it immediately: the real
// listener is opened moments later by the caller's data-path step. This
// mirrors net.Listen(":0")'s standard "probe a free port" idiom.
func resolvePort(requested int) (int, error) {
	if requested != 0 {
		return requested, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// regexpQuoteLiteral escapes regexp metacharacters so a literal key can be
// used as an exact-match Subscribe pattern.
func regexpQuoteLiteral(s string) string {
	quoted := make([]byte, 0, len(s)*2)
	quoted = append(quoted, '^')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '.', '+', '*', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			quoted = append(quoted, '\\', c)
		default:
			quoted = append(quoted, c)
		}
	}
	quoted = append(quoted, '$')
	return string(quoted)
}
