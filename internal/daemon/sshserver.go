package daemon

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// channelAcceptTimeout bounds how long ServeAuthorizedConn waits for the
// SSH handshake to complete before giving up on a socket.
const channelAcceptTimeout = 30 * time.Second

// directTCPIPPayload is the RFC 4254 §7.1 direct-tcpip channel-open payload:
// what the real SSH client sends when asking to forward a local port
// through this connection to an address on our side.
type directTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// ServeAuthorizedConn wraps conn as an SSH server connection and serves it
// until the connection closes: the only accepted public key is one present
// in authorized, and the only channel type honoured is "direct-tcpip"
// targeting exactly the forward address that key was admitted with (spec
// §4.2 "command restriction that permits only forwarding to
// localhost:<sshd-port>"). Generalises internal/tunnel/server.go's
// handleConn/handleGlobalRequests/forwardConn shape: same
// ssh.ServerConfig+host-key+channel-loop structure, direct-tcpip instead of
// forwarded-tcpip, and a per-connection authorised-key check instead of a
// bearer-token Validator.
func ServeAuthorizedConn(conn net.Conn, hostKey ssh.Signer, authorized *AuthorizedSet, log zerolog.Logger) {
	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-noports-daemon",
		PublicKeyCallback: func(c ssh.ConnMetadata, pub ssh.PublicKey) (*ssh.Permissions, error) {
			forwardAddr, ok := authorized.Authorize(pub)
			if !ok {
				return nil, fmt.Errorf("daemon: key not authorised")
			}
			return &ssh.Permissions{Extensions: map[string]string{"forward-addr": forwardAddr}}, nil
		},
	}
	cfg.AddHostKey(hostKey)

	_ = conn.SetDeadline(time.Now().Add(channelAcceptTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		log.Debug().Err(err).Msg("daemon: ssh handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			newChannel.Reject(ssh.Prohibited, "only direct-tcpip is supported")
			continue
		}

		var payload directTCPIPPayload
		if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
			newChannel.Reject(ssh.ConnectionFailed, "malformed channel request")
			continue
		}

		target := net.JoinHostPort(payload.Addr, fmt.Sprintf("%d", payload.Port))
		if target != sshConn.Permissions.Extensions["forward-addr"] {
			newChannel.Reject(ssh.Prohibited, "forward target not permitted for this key")
			continue
		}

		ch, requests, err := newChannel.Accept()
		if err != nil {
			log.Debug().Err(err).Msg("daemon: accept direct-tcpip channel")
			continue
		}
		go ssh.DiscardRequests(requests)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ch.Close()
			forwardChannel(ch, target, log)
		}()
	}
	wg.Wait()
}

func forwardChannel(ch ssh.Channel, target string, log zerolog.Logger) {
	tc, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("daemon: dial forward target")
		return
	}
	defer tc.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(ch, tc) }()
	go func() { defer wg.Done(); io.Copy(tc, ch) }()
	wg.Wait()
}
