package rendezvous

import (
	"fmt"
	"net"
	"sync"

	"github.com/noports-go/noports/internal/nperrors"
)

// PortPool allocates the two one-shot TCP listeners a rendezvous allocation
// needs. It generalises the teacher's internal/tunnel.PortPool from
// "persistent named service ports assigned per server, reused across
// reconnects" to "two anonymous ports per session, released on close or
// timeout, never persisted" (spec §3 invariant: no persisted rendezvous
// state). When no fixed range is configured it lets the OS pick ephemeral
// ports directly; a fixed range is still supported for operators who must
// open a narrow firewall window, reusing the teacher's allocatePort/portFree
// scan-and-skip-occupied loop.
type PortPool struct {
	mu     sync.Mutex
	start  int
	end    int
	inUse  map[int]bool
}

// NewPortPool returns a pool restricted to [start, end] inclusive. Passing
// start=0, end=0 disables the restriction: ports are chosen by the OS.
func NewPortPool(start, end int) *PortPool {
	return &PortPool{start: start, end: end, inUse: make(map[int]bool)}
}

// AcquirePair binds two fresh, unconnected TCP listeners on ip: portA (the
// client-facing listener) and portB (the daemon-facing listener). Returns
// ResourceError (EXHAUSTED, spec §4.1) if a fixed range is configured and
// exhausted.
func (p *PortPool) AcquirePair(ip string) (portA, portB net.Listener, err error) {
	a, err := p.acquireOne(ip)
	if err != nil {
		return nil, nil, err
	}
	b, err := p.acquireOne(ip)
	if err != nil {
		a.Close()
		p.release(a.Addr().(*net.TCPAddr).Port)
		return nil, nil, err
	}
	return a, b, nil
}

// Release frees a previously acquired port back to the pool's bookkeeping.
// Closing the listener itself is the caller's responsibility; this only
// matters when a fixed range is configured (unrestricted mode tracks
// nothing to free).
func (p *PortPool) Release(port int) {
	p.release(port)
}

func (p *PortPool) release(port int) {
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

func (p *PortPool) acquireOne(ip string) (net.Listener, error) {
	if p.start == 0 && p.end == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, nperrors.Resource("failed to bind ephemeral rendezvous port", err)
		}
		return ln, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.start; port <= p.end; port++ {
		if p.inUse[port] {
			continue
		}
		addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			// Occupied at the OS level; skip for this acquisition only
			// (unlike the teacher's permanent "__os__" sentinel, a rendezvous
			// port pool is short-lived enough that a transient bind failure
			// should not permanently blacklist the port).
			continue
		}
		p.inUse[port] = true
		return ln, nil
	}
	return nil, nperrors.Resource("rendezvous port range exhausted", nil)
}
