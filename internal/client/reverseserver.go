package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/noports-go/noports/internal/cleanup"
	"github.com/noports-go/noports/internal/nperrors"
)

// tcpipForwardPayload is the RFC 4254 §7.1 "tcpip-forward" global-request
// payload: what an SSH client sends to ask the server it is connected to
// bind a listener and forward incoming connections back over the tunnel.
type tcpipForwardPayload struct {
	Addr string
	Port uint32
}

// forwardedTCPPayload is the RFC 4254 §7.2 "forwarded-tcpip" channel-open
// payload.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// startReverseServer implements the client-side half of legacy reverse mode
// (spec §4.3 step 5, reverse path): it binds listenPort and accepts the one
// inbound SSH connection the daemon's DialReverse opens, then serves its
// "tcpip-forward" global request by binding 127.0.0.1:localForwardPort and
// proxying every connection there through a "forwarded-tcpip" channel back
// to the daemon.
//
// This generalises internal/tunnel/server.go's
// handleConn/handleGlobalRequests/runListener/forwardConn shape from "many
// persistent token-authenticated tunnels, one port pool" down to "exactly
// one session, one pre-agreed forward port" — and, like that server, uses
// NoClientAuth rather than pinning a host key: the daemon's identity was
// already proven by the signed request/response envelope exchange that
// preceded this dial, the same reasoning internal/daemon/reverse.go applies
// on its own side of this same connection.
func (o *Orchestrator) startReverseServer(ctx context.Context, tracker *cleanup.Tracker, listenPort, localForwardPort int) error {
	hostKey, err := ephemeralHostKey()
	if err != nil {
		return nperrors.Config("generate reverse-server host key", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nperrors.Resource(fmt.Sprintf("bind reverse listener :%d", listenPort), err)
	}
	tracker.Track("reverse-listener", func(ctx context.Context) error { return ln.Close() })

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go o.serveReverseAccept(ln, hostKey, localForwardPort, tracker)
	return nil
}

func (o *Orchestrator) serveReverseAccept(ln net.Listener, hostKey ssh.Signer, localForwardPort int, tracker *cleanup.Tracker) {
	// Exactly one inbound connection is expected: the daemon's single
	// DialReverse dial for this session.
	conn, err := ln.Accept()
	if err != nil {
		return // listener closed by cleanup or ctx cancellation
	}

	cfg := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-noports-client",
	}
	cfg.AddHostKey(hostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		o.Log.Warn().Err(err).Msg("client: reverse-mode ssh handshake failed")
		conn.Close()
		return
	}
	tracker.Track("reverse-ssh-conn", func(ctx context.Context) error { return sshConn.Close() })

	go func() {
		for newChannel := range chans {
			newChannel.Reject(ssh.Prohibited, "reverse-mode connection accepts no inbound channels")
		}
	}()

	o.handleReverseGlobalRequests(sshConn, reqs, localForwardPort, tracker)
}

// handleReverseGlobalRequests answers the daemon's "tcpip-forward" request
// with localForwardPort and, once granted, runs the forwarding listener for
// the remainder of the connection's life.
func (o *Orchestrator) handleReverseGlobalRequests(conn ssh.Conn, reqs <-chan *ssh.Request, localForwardPort int, tracker *cleanup.Tracker) {
	for req := range reqs {
		if req.Type != "tcpip-forward" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		if req.WantReply {
			var reply [4]byte
			binary.BigEndian.PutUint32(reply[:], uint32(localForwardPort))
			req.Reply(true, reply[:])
		}

		go o.runReverseListener(conn, localForwardPort, tracker)
	}
}

// runReverseListener binds 127.0.0.1:<localForwardPort> and, for each
// incoming connection, opens a "forwarded-tcpip" channel back to the
// daemon and proxies data in both directions.
func (o *Orchestrator) runReverseListener(conn ssh.Conn, localForwardPort int, tracker *cleanup.Tracker) {
	addr := fmt.Sprintf("127.0.0.1:%d", localForwardPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		o.Log.Warn().Err(err).Str("addr", addr).Msg("client: bind reverse forward listener")
		return
	}
	tracker.Track("reverse-forward-listener", func(ctx context.Context) error { return ln.Close() })

	for {
		tc, err := ln.Accept()
		if err != nil {
			return
		}
		go o.forwardReverseConn(conn, localForwardPort, tc)
	}
}

func (o *Orchestrator) forwardReverseConn(conn ssh.Conn, localForwardPort int, tc net.Conn) {
	defer tc.Close()

	originAddr, originPortStr, _ := net.SplitHostPort(tc.RemoteAddr().String())
	var originPort uint32
	fmt.Sscanf(originPortStr, "%d", &originPort)

	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       "127.0.0.1",
		Port:       uint32(localForwardPort),
		OriginAddr: originAddr,
		OriginPort: originPort,
	})

	ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		o.Log.Warn().Err(err).Msg("client: open forwarded-tcpip channel")
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(ch, tc) }()
	go func() { defer wg.Done(); io.Copy(tc, ch) }()
	wg.Wait()
}

// ephemeralHostKey generates a throwaway Ed25519 SSH host key for the
// reverse-mode server's transport handshake: it is never persisted and
// never verified by the peer (NoClientAuth, and the daemon side ignores the
// client's host key too), since both parties already trust each other via
// the signed envelope exchange that preceded this connection.
func ephemeralHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
