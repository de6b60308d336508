// Package rendezvous implements rvd, the public relay of spec §4.1: it
// allocates a pair of one-shot TCP listeners per session, authenticates
// whatever connects to each via a signed auth envelope, and splices the two
// sockets together full-duplex once both sides are authenticated.
package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/noports-go/noports/internal/audit"
	"github.com/noports-go/noports/internal/cleanup"
	"github.com/noports-go/noports/internal/envelope"
	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
)

// handshakeLineLimit bounds the single JSON auth line a socket may send
// before the relay gives up on it (defends the relay against a peer that
// never sends a newline).
const handshakeLineLimit = 16 * 1024

// Side identifies which allocated listener a socket connected to.
type Side int

const (
	SideA Side = iota // client-facing listener
	SideB             // daemon-facing listener
)

// Server is the rendezvous relay. It generalises internal/tunnel.Server's
// accept-loop-plus-rate-limiter-plus-semaphore shape (one persistent SSH
// connection per device) into "allocate two one-shot plain-TCP listeners per
// session" (spec §4.1).
type Server struct {
	PublicIP  string
	Substrate substrate.Substrate
	Lookup    envelope.PublicKeyLookup
	Snoop     bool
	RateLimit rate.Limit // per-process accept-rate gate; 0 uses a sane default
	Pool      *PortPool
	Registry  *Registry
	Log       zerolog.Logger

	limiter *rate.Limiter
}

const defaultRateLimit rate.Limit = 20

func (s *Server) init() {
	if s.Pool == nil {
		s.Pool = NewPortPool(0, 0)
	}
	if s.Registry == nil {
		s.Registry = NewRegistry()
	}
	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	s.limiter = rate.NewLimiter(rl, int(rl)+1)
}

// Run subscribes to rendezvous allocation requests for device and blocks
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context, device protocol.DeviceName, rvdAddr protocol.Address) error {
	s.init()

	pattern := fmt.Sprintf(`^%s:%s\.sshrvd`, regexpQuote(string(rvdAddr)), regexpQuote(string(device)))
	notifications, err := s.Substrate.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("rendezvous: subscribe: %w", err)
	}

	s.Log.Info().Str("device", string(device)).Str("rvd", string(rvdAddr)).Msg("rendezvous relay listening for allocation requests")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			go s.handleRequest(ctx, n)
		}
	}
}

// requestPayload is the body of a REQUEST_SESSION notification value.
type requestPayload struct {
	SessionID   string `json:"sessionId"`
	ClientAddr  string `json:"clientAddr"`
	DaemonAddr  string `json:"daemonAddr"`
	ClientNonce string `json:"clientNonce,omitempty"`
}

func (s *Server) handleRequest(ctx context.Context, n substrate.Notification) {
	var req requestPayload
	if err := json.Unmarshal([]byte(n.Value), &req); err != nil {
		s.Log.Warn().Err(err).Msg("rendezvous: malformed allocation request")
		return
	}

	alloc, err := s.RequestSession(req.SessionID, protocol.Address(req.ClientAddr), protocol.Address(req.DaemonAddr))
	if err != nil {
		s.Log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("rendezvous: allocation failed")
		return
	}

	reply := alloc.Reply().String()
	if err := s.Substrate.Notify(ctx, req.SessionID, reply); err != nil {
		s.Log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("rendezvous: failed to publish allocation reply")
	}

	s.serveAllocation(ctx, alloc)
}

// RequestSession implements the REQUEST_SESSION contract (spec §4.1): binds
// two ephemeral listeners and a fresh rvdNonce, failing with ResourceError
// (EXHAUSTED) if no ports are allocatable, or AuthError (UNKNOWN_PEERS) if
// either address has no resolvable verification key.
func (s *Server) RequestSession(sessionID string, client, daemon protocol.Address) (*Allocation, error) {
	if _, err := s.Lookup.Lookup(client); err != nil {
		return nil, nperrors.Auth(fmt.Sprintf("unknown peer %s", client), err)
	}
	if _, err := s.Lookup.Lookup(daemon); err != nil {
		return nil, nperrors.Auth(fmt.Sprintf("unknown peer %s", daemon), err)
	}

	portA, portB, err := s.Pool.AcquirePair(s.PublicIP)
	if err != nil {
		return nil, err
	}

	alloc, err := NewAllocation(sessionID, client, daemon, s.PublicIP, portA, portB, func() {
		s.Log.Info().Str("sessionId", sessionID).Msg("rendezvous: allocation expired before BOTH_AUTHED")
		s.Registry.Remove(sessionID)
	})
	if err != nil {
		portA.Close()
		portB.Close()
		return nil, err
	}

	s.Registry.Put(alloc)
	return alloc, nil
}

// serveAllocation runs both one-shot accept loops for alloc and splices the
// two sockets together once both have authenticated.
func (s *Server) serveAllocation(ctx context.Context, alloc *Allocation) {
	tracker := cleanup.New(alloc.SessionID, s.Log)
	tracker.Track("allocation", func(ctx context.Context) error {
		alloc.Close()
		s.Registry.Remove(alloc.SessionID)
		s.Pool.Release(alloc.PortA.Addr().(*net.TCPAddr).Port)
		s.Pool.Release(alloc.PortB.Addr().(*net.TCPAddr).Port)
		return nil
	})
	defer tracker.Run(ctx)

	var a, b net.Conn
	var g errgroup.Group
	g.Go(func() error {
		conn, err := s.acceptAndAuth(alloc, alloc.PortA, SideA)
		a = conn
		return err
	})
	g.Go(func() error {
		conn, err := s.acceptAndAuth(alloc, alloc.PortB, SideB)
		b = conn
		return err
	})

	if err := g.Wait(); err != nil {
		if a != nil {
			a.Close()
		}
		if b != nil {
			b.Close()
		}
		audit.Write(s.Log, audit.Entry{SessionID: alloc.SessionID, Action: "rendezvous.splice", Status: audit.StatusFailed})
		return
	}

	audit.Write(s.Log, audit.Entry{SessionID: alloc.SessionID, Action: "rendezvous.splice", Status: audit.StatusSuccess})
	Splice(a, b, s.Snoop, s.Log)
	a.Close()
	b.Close()
}

// acceptAndAuth accepts the single connection ln will ever hand out, closes
// ln immediately afterward (spec §4.1: "then closes the listener"), and runs
// the auth handshake ("Auth handshake"). Called from serveAllocation via
// errgroup.Group, one call per side, so the two accepts and handshakes run
// concurrently; Wait reports the first error once both calls have returned.
func (s *Server) acceptAndAuth(alloc *Allocation, ln net.Listener, side Side) (net.Conn, error) {
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, err
	}

	if !s.limiter.Allow() {
		conn.Close()
		return nil, nperrors.Resource("rendezvous: rate limited", nil)
	}

	expectedAddr := alloc.ClientAddr
	if side == SideB {
		expectedAddr = alloc.DaemonAddr
	}

	conn.SetReadDeadline(time.Now().Add(AllocationTimeout))
	if err := s.authenticate(conn, alloc, expectedAddr); err != nil {
		s.Log.Warn().Err(err).Str("sessionId", alloc.SessionID).Int("side", int(side)).Msg("rendezvous: auth failed")
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	alloc.MarkSideAuthed()
	return conn, nil
}

// authenticate reads the single JSON auth envelope line from conn and
// verifies it per spec §4.1 steps 1-3.
func (s *Server) authenticate(conn net.Conn, alloc *Allocation, expectedAddr protocol.Address) error {
	// Read one byte at a time so no byte after the newline is consumed here.
	line := make([]byte, 0, 512)
	one := make([]byte, 1)
	for len(line) < handshakeLineLimit {
		if _, err := io.ReadFull(conn, one); err != nil {
			return nperrors.Auth("no auth envelope received", err)
		}
		if one[0] == '\n' {
			break
		}
		line = append(line, one[0])
	}

	var env envelope.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nperrors.Auth("malformed auth envelope", err)
	}

	payload, err := envelope.Verify(env, expectedAddr, s.Lookup)
	if err != nil {
		return err
	}

	var auth protocol.AuthPayload
	if err := json.Unmarshal(payload, &auth); err != nil {
		return nperrors.Auth("malformed auth payload", err)
	}
	if auth.RvdNonce != alloc.RvdNonce {
		return nperrors.Auth("rvdNonce mismatch", nil)
	}
	if auth.SessionID != alloc.SessionID {
		return nperrors.Auth("sessionId mismatch", nil)
	}
	return nil
}

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
