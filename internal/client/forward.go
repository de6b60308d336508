package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/noports-go/noports/internal/cleanup"
	"github.com/noports-go/noports/internal/envelope"
	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
)

// dialTimeout bounds the client's dial into the rendezvous portA socket.
const dialTimeout = 10 * time.Second

// bridgeDirect implements spec §4.3 step 5's direct-mode leg: dial the
// rendezvous portA (the client-facing socket; the daemon dials portB on its
// own side of the same allocation), send the client's auth envelope
// (nonce=rvdNonce, signed with the client's long-term key), then run an SSH
// client handshake over that authenticated socket using the ephemeral key
// the daemon generated, and bridge a local listener to it, one
// "direct-tcpip" channel per connection. Generalises
// internal/terminal/ssh.go's context-cancellable dial goroutine to a
// client-side SSH transport instead of a server-side session executor.
// Returns the local port actually bound.
func (o *Orchestrator) bridgeDirect(ctx context.Context, tracker *cleanup.Tracker, sessionID string, alloc protocol.Allocation, identityPEM []byte) (int, error) {
	addr := net.JoinHostPort(alloc.IP, fmt.Sprintf("%d", alloc.PortA))

	type dialResult struct {
		conn net.Conn
		err  error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		c, err := net.DialTimeout("tcp", addr, dialTimeout)
		dialCh <- dialResult{c, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-dialCh:
		if r.err != nil {
			return 0, nperrors.Transient(fmt.Sprintf("dial rendezvous %s", addr), r.err)
		}
		conn = r.conn
	}

	authPayload := protocol.AuthPayload{RvdNonce: alloc.RvdNonce, SessionID: sessionID}
	env, err := envelope.Sign(authPayload, o.HashingAlgo, o.Signer)
	if err != nil {
		conn.Close()
		return 0, nperrors.Config("sign auth envelope", err)
	}
	line, err := json.Marshal(env)
	if err != nil {
		conn.Close()
		return 0, nperrors.Config("marshal auth envelope", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return 0, nperrors.Transient("send auth envelope", err)
	}

	signer, err := ssh.ParsePrivateKey(identityPEM)
	if err != nil {
		conn.Close()
		return 0, nperrors.Config("parse ephemeral identity", err)
	}

	cfg := &ssh.ClientConfig{
		User:            "np",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // identity is proven by the signed request/response envelopes, not host-key pinning
		Timeout:         dialTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return 0, nperrors.Auth("ephemeral key handshake with daemon failed", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	tracker.Track("ssh-conn", func(ctx context.Context) error { return sshClient.Close() })

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", o.Config.LocalPort))
	if err != nil {
		return 0, nperrors.Resource("bind local listener", err)
	}
	tracker.Track("listener", func(ctx context.Context) error { return ln.Close() })

	localPort := ln.Addr().(*net.TCPAddr).Port
	sshdPort := o.Config.SSHDPort
	if sshdPort == 0 {
		sshdPort = defaultSSHDPort
	}
	go o.acceptDirectConns(ln, sshClient, sshdPort)

	return localPort, nil
}

func (o *Orchestrator) acceptDirectConns(ln net.Listener, sshClient *ssh.Client, sshdPort int) {
	for {
		local, err := ln.Accept()
		if err != nil {
			return
		}
		go o.proxyDirectConn(local, sshClient, sshdPort)
	}
}

// proxyDirectConn opens a "direct-tcpip" channel to the device's sshd (the
// only target ServeAuthorizedConn permits this ephemeral key to reach) and
// copies data bidirectionally.
func (o *Orchestrator) proxyDirectConn(local net.Conn, sshClient *ssh.Client, sshdPort int) {
	defer local.Close()
	target := net.JoinHostPort("localhost", fmt.Sprintf("%d", sshdPort))
	remote, err := sshClient.Dial("tcp", target)
	if err != nil {
		o.Log.Warn().Err(err).Msg("client: open direct-tcpip channel")
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(remote, local) }()
	go func() { defer wg.Done(); io.Copy(local, remote) }()
	wg.Wait()
}
