package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/noports-go/noports/internal/envelope"
	"github.com/noports-go/noports/internal/protocol"
)

// dialTimeout bounds the daemon's dial into the rendezvous portB socket.
const dialTimeout = 10 * time.Second

// DialDirect implements the direct-mode leg of spec §4.2 step 3: dial the
// rendezvous portB, send the daemon's auth envelope (signed with its
// long-term key, nonce=rvdNonce), then hand the now-authenticated socket to
// ServeAuthorizedConn so the ephemeral key admitted for this session is the
// only credential the arriving SSH traffic can authenticate with.
// Generalises internal/terminal/ssh.go's context-cancellable dial goroutine.
func DialDirect(ctx context.Context, ip string, portB int, sessionID, rvdNonce string, signer envelope.Signer, hashingAlgo string, hostKey ssh.Signer, authorized *AuthorizedSet, log zerolog.Logger) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", portB))

	type dialResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := net.DialTimeout("tcp", addr, dialTimeout)
		ch <- dialResult{c, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("daemon: dial rendezvous %s: %w", addr, r.err)
		}
		conn = r.conn
	}

	authPayload := protocol.AuthPayload{RvdNonce: rvdNonce, SessionID: sessionID}
	env, err := envelope.Sign(authPayload, hashingAlgo, signer)
	if err != nil {
		conn.Close()
		return fmt.Errorf("daemon: sign auth envelope: %w", err)
	}
	line, err := json.Marshal(env)
	if err != nil {
		conn.Close()
		return fmt.Errorf("daemon: marshal auth envelope: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return fmt.Errorf("daemon: send auth envelope: %w", err)
	}

	ServeAuthorizedConn(conn, hostKey, authorized, log)
	return nil
}
