package daemon

import (
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DebugConsole is an operator-facing loopback-only WebSocket PTY, toggled
// on a headless daemon to inspect it without touching the session protocol
// (spec §9's "operators need a way to look inside a running daemon"
// open question — resolved as a strictly local, off-by-default debug aid).
// Grounded verbatim on internal/terminal/terminal.go's LocalSession: a PTY
// bridged to a WebSocket by two unbuffered copy goroutines, generalised
// here into a standalone HTTP handler instead of a route-framework
// endpoint, since npd has no HTTP server of its own otherwise.
type DebugConsole struct {
	Shell string // defaults to "bash" when empty
	Log   zerolog.Logger

	upgrader websocket.Upgrader
}

// debugConsoleSession is one connected operator's PTY, mirroring
// LocalSession's fields and Close/Resize methods.
type debugConsoleSession struct {
	cmd  *exec.Cmd
	ptmx *os.File
	conn *websocket.Conn
	mu   sync.Mutex
}

// ServeHTTP upgrades the request to a WebSocket and bridges it to a fresh
// local shell PTY. Intended to be bound only to a loopback address by the
// caller (cmd/npd/main.go); this handler performs no authentication of its
// own since it is never meant to be reachable off-device.
func (d *DebugConsole) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.upgrader.ReadBufferSize == 0 {
		d.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Warn().Err(err).Msg("debugconsole: upgrade failed")
		return
	}

	shell := d.Shell
	if shell == "" {
		shell = "bash"
	}

	session, err := newDebugConsoleSession(shell, conn)
	if err != nil {
		d.Log.Warn().Err(err).Msg("debugconsole: start pty")
		conn.Close()
		return
	}
	d.Log.Info().Msg("debugconsole: operator session attached")
	session.wait()
}

func newDebugConsoleSession(shell string, conn *websocket.Conn) (*debugConsoleSession, error) {
	cmd := exec.Command(shell)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	s := &debugConsoleSession{cmd: cmd, ptmx: ptmx, conn: conn}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if err != nil {
				break
			}
			s.mu.Lock()
			err = conn.WriteMessage(websocket.BinaryMessage, buf[:n])
			s.mu.Unlock()
			if err != nil {
				break
			}
		}
		s.Close()
	}()

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if _, err := ptmx.Write(msg); err != nil {
				break
			}
		}
	}()

	return s, nil
}

// wait blocks until the underlying shell process exits.
func (s *debugConsoleSession) wait() {
	_ = s.cmd.Wait()
	s.Close()
}

// Close terminates the session's shell process and underlying PTY/socket.
func (s *debugConsoleSession) Close() error {
	_ = s.conn.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.ptmx.Close()
}
