package rendezvous

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/noports-go/noports/internal/protocol"
)

// State is the per-allocation lifecycle (spec §4.1 state machine).
type State int

const (
	StateAllocated State = iota
	StateOneSideAuthed
	StateBothAuthed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "ALLOCATED"
	case StateOneSideAuthed:
		return "ONE_SIDE_AUTHED"
	case StateBothAuthed:
		return "BOTH_AUTHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AllocationTimeout bounds ALLOCATED -> BOTH_AUTHED (spec §4.1: "Timeout
// from ALLOCATED to BOTH_AUTHED is 30s").
const AllocationTimeout = 30 * time.Second

// Allocation tracks one session's two one-shot listeners and auth state.
// Generalises internal/tunnel.Session (a single connected/disconnected
// boolean keyed by serverID) into the four-state machine spec §4.1
// requires, keyed by sessionId.
type Allocation struct {
	SessionID  string
	ClientAddr protocol.Address
	DaemonAddr protocol.Address
	IP         string
	PortA      net.Listener
	PortB      net.Listener
	RvdNonce   string

	mu    sync.Mutex
	state State
	timer *time.Timer
}

// NewAllocation creates an allocation in state ALLOCATED with a fresh
// rvdNonce (>=128 bits, base64, spec §4.1), and starts its 30s timeout
// timer. onExpire is invoked if the timer fires before the allocation
// reaches BOTH_AUTHED or is explicitly closed.
func NewAllocation(sessionID string, client, daemon protocol.Address, ip string, portA, portB net.Listener, onExpire func()) (*Allocation, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	a := &Allocation{
		SessionID:  sessionID,
		ClientAddr: client,
		DaemonAddr: daemon,
		IP:         ip,
		PortA:      portA,
		PortB:      portB,
		RvdNonce:   nonce,
		state:      StateAllocated,
	}
	a.timer = time.AfterFunc(AllocationTimeout, func() {
		a.mu.Lock()
		expired := a.state != StateBothAuthed && a.state != StateClosed
		a.mu.Unlock()
		if expired {
			a.Close()
			if onExpire != nil {
				onExpire()
			}
		}
	})
	return a, nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rendezvous: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Reply returns the allocation as a protocol.Allocation, whose String method
// renders the literal "<ip>,<portA>,<portB>,<nonce>" form spec §3/§6 require.
func (a *Allocation) Reply() protocol.Allocation {
	return protocol.Allocation{
		IP:       a.IP,
		PortA:    a.PortA.Addr().(*net.TCPAddr).Port,
		PortB:    a.PortB.Addr().(*net.TCPAddr).Port,
		RvdNonce: a.RvdNonce,
	}
}

// State returns the current lifecycle state.
func (a *Allocation) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// MarkSideAuthed transitions ALLOCATED->ONE_SIDE_AUTHED or
// ONE_SIDE_AUTHED->BOTH_AUTHED. Calling it twice for the same side is a
// caller bug (each listener accepts exactly one connection) but is
// defensively idempotent: it never regresses past BOTH_AUTHED.
func (a *Allocation) MarkSideAuthed() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateAllocated:
		a.state = StateOneSideAuthed
	case StateOneSideAuthed:
		a.state = StateBothAuthed
		a.timer.Stop()
	}
	return a.state
}

// Close transitions to CLOSED and closes both listeners. Idempotent.
func (a *Allocation) Close() {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = StateClosed
	a.mu.Unlock()

	a.timer.Stop()
	a.PortA.Close()
	a.PortB.Close()
}

// Registry tracks live allocations keyed by sessionId, generalising
// internal/tunnel.Registry's sync.RWMutex-guarded map.
type Registry struct {
	mu          sync.RWMutex
	allocations map[string]*Allocation
}

// NewRegistry returns an empty allocation registry.
func NewRegistry() *Registry {
	return &Registry{allocations: make(map[string]*Allocation)}
}

// Put registers alloc under its sessionId.
func (r *Registry) Put(alloc *Allocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations[alloc.SessionID] = alloc
}

// Get returns the allocation for sessionID, if any.
func (r *Registry) Get(sessionID string) (*Allocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.allocations[sessionID]
	return a, ok
}

// Remove drops sessionID from the registry without closing it (the caller
// is expected to have already closed or be about to close the allocation).
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allocations, sessionID)
}

// All returns a snapshot of all live allocations.
func (r *Registry) All() []*Allocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Allocation, 0, len(r.allocations))
	for _, a := range r.allocations {
		out = append(out, a)
	}
	return out
}
