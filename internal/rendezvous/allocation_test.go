package rendezvous

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/noports-go/noports/internal/protocol"
)

func newTestAllocation(t *testing.T) *Allocation {
	t.Helper()
	a, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	alloc, err := NewAllocation("sess-1", "@client", "@daemon", "127.0.0.1", a, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	return alloc
}

func TestAllocationStateMachine(t *testing.T) {
	alloc := newTestAllocation(t)
	defer alloc.Close()

	if alloc.State() != StateAllocated {
		t.Fatalf("initial state = %v, want ALLOCATED", alloc.State())
	}
	if got := alloc.MarkSideAuthed(); got != StateOneSideAuthed {
		t.Fatalf("after first auth = %v, want ONE_SIDE_AUTHED", got)
	}
	if got := alloc.MarkSideAuthed(); got != StateBothAuthed {
		t.Fatalf("after second auth = %v, want BOTH_AUTHED", got)
	}
	// Further calls must not regress the state.
	if got := alloc.MarkSideAuthed(); got != StateBothAuthed {
		t.Fatalf("third auth call = %v, want state to stay BOTH_AUTHED", got)
	}
}

func TestAllocationCloseIsIdempotent(t *testing.T) {
	alloc := newTestAllocation(t)
	alloc.Close()
	alloc.Close()
	if alloc.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", alloc.State())
	}
}

func TestAllocationNonceIsUniqueAndBase64(t *testing.T) {
	a := newTestAllocation(t)
	defer a.Close()
	b := newTestAllocation(t)
	defer b.Close()

	if a.RvdNonce == b.RvdNonce {
		t.Fatal("expected distinct nonces across allocations")
	}
	if len(a.RvdNonce) == 0 {
		t.Fatal("expected non-empty nonce")
	}
	if _, err := base64.StdEncoding.DecodeString(a.RvdNonce); err != nil {
		t.Fatalf("expected a base64 nonce, got %q: %v", a.RvdNonce, err)
	}
}

func TestAllocationReplyRendersWireFormat(t *testing.T) {
	alloc := newTestAllocation(t)
	defer alloc.Close()

	reply := alloc.Reply()
	parsed, err := protocol.ParseAllocation(reply.String())
	if err != nil {
		t.Fatalf("Reply().String() did not round-trip through ParseAllocation: %v", err)
	}
	if parsed.RvdNonce != alloc.RvdNonce {
		t.Errorf("nonce mismatch: got %s, want %s", parsed.RvdNonce, alloc.RvdNonce)
	}
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	alloc := newTestAllocation(t)
	defer alloc.Close()

	r.Put(alloc)
	got, ok := r.Get("sess-1")
	if !ok || got != alloc {
		t.Fatal("expected Get to return the registered allocation")
	}

	r.Remove("sess-1")
	if _, ok := r.Get("sess-1"); ok {
		t.Fatal("expected allocation to be gone after Remove")
	}
}

func TestAllocationCloseCancelsExpiryTimer(t *testing.T) {
	a, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	expired := make(chan struct{}, 1)
	alloc, err := NewAllocation("sess-2", "@client", "@daemon", "127.0.0.1", a, b, func() {
		expired <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	// Close well before the real 30s timeout; the stopped timer must never
	// invoke onExpire.
	alloc.Close()

	select {
	case <-expired:
		t.Fatal("onExpire must not fire when Close happens before the timer")
	case <-time.After(50 * time.Millisecond):
	}
}
