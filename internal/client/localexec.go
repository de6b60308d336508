package client

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
)

// RunInteractive execs the rendered ssh command line inside a PTY and
// bridges it to the calling process's stdin/stdout, for np's optional
// --exec mode (spec §6: the command line is printed by default; --exec
// additionally runs it for the caller instead of requiring a copy-paste).
// Grounded on internal/terminal/terminal.go's LocalSession: pty.Start plus
// a pair of unbuffered io.Copy goroutines, generalised from a
// websocket-bridged remote terminal to a direct local one since np already
// has a real terminal of its own to attach to.
func RunInteractive(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("client: empty ssh command")
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("client: start pty: %w", err)
	}
	defer ptmx.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(ptmx, os.Stdin)
	}()
	go func() {
		io.Copy(os.Stdout, ptmx)
		close(done)
	}()

	<-done
	return cmd.Wait()
}
