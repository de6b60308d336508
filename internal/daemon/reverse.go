package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// reverseDialTimeout bounds the daemon's outbound SSH dial to the client's
// host in legacy reverse mode.
const reverseDialTimeout = 10 * time.Second

// DialReverse implements spec §4.2's legacy reverse path: the daemon opens
// an outbound SSH connection to clientHost:clientPort (authenticating with
// its own long-term host key, since it is the daemon proving its identity
// to the client here, not the other way round) and requests a remote
// port-forward. Every connection the client's side subsequently forwards
// back through that tunnel is served by ServeAuthorizedConn, so the
// client's ephemeral key (already admitted to authorized before this call)
// remains the only credential that can open a direct-tcpip channel.
// Blocks until ctx is cancelled or the SSH connection drops.
func DialReverse(ctx context.Context, clientHost string, clientPort int, remoteForwardPort int, hostKey ssh.Signer, authorized *AuthorizedSet, log zerolog.Logger) error {
	addr := net.JoinHostPort(clientHost, fmt.Sprintf("%d", clientPort))

	cfg := &ssh.ClientConfig{
		User:            "npd",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(hostKey)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // identity is proven by the signed request/response envelopes, not host-key pinning
		Timeout:         reverseDialTimeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		ch <- dialResult{c, err}
	}()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("daemon: reverse dial %s: %w", addr, r.err)
		}
		client = r.client
	}
	defer client.Close()

	remoteAddr := fmt.Sprintf("127.0.0.1:%d", remoteForwardPort)
	ln, err := client.Listen("tcp", remoteAddr)
	if err != nil {
		return fmt.Errorf("daemon: remote forward %s: %w", remoteAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go ServeAuthorizedConn(conn, hostKey, authorized, log)
	}
}
