package rendezvous

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSpliceCopiesBothDirections(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	done := make(chan struct{})
	go func() {
		Splice(aServer, bServer, false, zerolog.Nop())
		close(done)
	}()

	go func() {
		aClient.Write([]byte("hello from a"))
	}()
	buf := make([]byte, 64)
	n, err := bClient.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello from a" {
		t.Fatalf("got %q, want %q", buf[:n], "hello from a")
	}

	go func() {
		bClient.Write([]byte("hello from b"))
		bClient.Close()
	}()
	n, err = aClient.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello from b" {
		t.Fatalf("got %q, want %q", buf[:n], "hello from b")
	}
	aClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not finish after both legs closed")
	}
}
