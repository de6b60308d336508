package daemon

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/noports-go/noports/internal/keygen"
	"github.com/noports-go/noports/internal/logx"
)

// echoOnce accepts a single connection on ln and echoes whatever it reads
// back to the writer until the peer closes.
func echoOnce(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
}

func TestServeAuthorizedConnForwardsToPermittedTarget(t *testing.T) {
	hostKey, err := keygen.LoadOrGenerateHostKey(t.TempDir())
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	ephemeral, err := keygen.NewEphemeral(keygen.AlgoEd25519)
	if err != nil {
		t.Fatalf("ephemeral key: %v", err)
	}

	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer target.Close()
	echoOnce(t, target)

	forwardAddr := target.Addr().String()
	authSet := NewAuthorizedSet(nil)
	authSet.Admit("sess-1", ephemeral.Signer().PublicKey(), forwardAddr)

	serverConn, clientConn := net.Pipe()
	log := logx.Setup("error", false)
	done := make(chan struct{})
	go func() {
		ServeAuthorizedConn(serverConn, hostKey, authSet, log)
		close(done)
	}()

	cfg := &ssh.ClientConfig{
		User:            "np",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(ephemeral.Signer())},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(clientConn, "pipe", cfg)
	if err != nil {
		t.Fatalf("ssh handshake: %v", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	dialed, err := client.Dial("tcp", forwardAddr)
	if err != nil {
		t.Fatalf("direct-tcpip dial to permitted target: %v", err)
	}
	defer dialed.Close()

	msg := []byte("hello through the tunnel")
	if _, err := dialed.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(dialed, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Errorf("echo mismatch: got %q, want %q", buf, msg)
	}

	client.Close()
	<-done
}

func TestServeAuthorizedConnRejectsForwardToDisallowedTarget(t *testing.T) {
	hostKey, err := keygen.LoadOrGenerateHostKey(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ephemeral, err := keygen.NewEphemeral(keygen.AlgoEd25519)
	if err != nil {
		t.Fatal(err)
	}

	other, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	echoOnce(t, other)

	authSet := NewAuthorizedSet(nil)
	authSet.Admit("sess-1", ephemeral.Signer().PublicKey(), "127.0.0.1:1")

	serverConn, clientConn := net.Pipe()
	log := logx.Setup("error", false)
	done := make(chan struct{})
	go func() {
		ServeAuthorizedConn(serverConn, hostKey, authSet, log)
		close(done)
	}()

	cfg := &ssh.ClientConfig{
		User:            "np",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(ephemeral.Signer())},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(clientConn, "pipe", cfg)
	if err != nil {
		t.Fatalf("ssh handshake: %v", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	if _, err := client.Dial("tcp", other.Addr().String()); err == nil {
		t.Fatal("expected dial to a non-permitted forward target to be rejected")
	}

	client.Close()
	<-done
}

func TestServeAuthorizedConnRejectsUnauthorizedKey(t *testing.T) {
	hostKey, err := keygen.LoadOrGenerateHostKey(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := keygen.NewEphemeral(keygen.AlgoEd25519)
	if err != nil {
		t.Fatal(err)
	}

	authSet := NewAuthorizedSet(nil) // nothing admitted

	serverConn, clientConn := net.Pipe()
	log := logx.Setup("error", false)
	done := make(chan struct{})
	go func() {
		ServeAuthorizedConn(serverConn, hostKey, authSet, log)
		close(done)
	}()

	cfg := &ssh.ClientConfig{
		User:            "np",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(stranger.Signer())},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	if _, _, _, err := ssh.NewClientConn(clientConn, "pipe", cfg); err == nil {
		t.Fatal("expected handshake failure for an unadmitted key")
	}
	<-done
}
