// Package daemon implements npd, the on-device controller of spec §4.2: it
// subscribes for authorised session requests, generates ephemeral keys,
// dials the rendezvous or the client directly, and replies with a signed
// response envelope.
package daemon

import (
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// authorizedIdleTimeout bounds how long an ephemeral authorised-key entry
// may sit unused before the daemon evicts it (spec §4.2: "exits after <=20s
// idle").
const authorizedIdleTimeout = 20 * time.Second

// authorizedEntry is one ephemeral public key admitted into the device's
// in-process authorised set, restricted to forwarding into the device's own
// sshd.
type authorizedEntry struct {
	sessionID   string
	fingerprint string
	forwardAddr string // e.g. "localhost:22", the only destination this key may forward to
	lastUsed    time.Time
	done        chan struct{}
}

// AuthorizedSet is the daemon's shared mutable authorised-key state (spec §9
// "Authorised-keys file as shared mutable state"): an in-process set guarded
// by a mutex rather than an appended-to file, each entry tagged by
// sessionId for deterministic removal. Generalises
// internal/terminal/session.go's sessionRegistry (done-channel idle janitor
// keyed by an opaque session id) from a single Session-closing action to a
// keyed permission check plus eviction callback.
type AuthorizedSet struct {
	mu      sync.RWMutex
	entries map[string]*authorizedEntry // keyed by ssh public key fingerprint
	onEvict func(sessionID string)
}

// NewAuthorizedSet returns an empty set. onEvict, if non-nil, is called
// (from a background goroutine) whenever an entry is evicted for idleness,
// so the caller can run the rest of that session's cleanup.
func NewAuthorizedSet(onEvict func(sessionID string)) *AuthorizedSet {
	return &AuthorizedSet{entries: make(map[string]*authorizedEntry), onEvict: onEvict}
}

// Admit adds pub to the authorised set for sessionID, restricted to forward
// only to forwardAddr, and starts its idle-eviction timer.
func (s *AuthorizedSet) Admit(sessionID string, pub ssh.PublicKey, forwardAddr string) {
	fp := ssh.FingerprintSHA256(pub)
	done := make(chan struct{})

	s.mu.Lock()
	s.entries[fp] = &authorizedEntry{
		sessionID:   sessionID,
		fingerprint: fp,
		forwardAddr: forwardAddr,
		lastUsed:    time.Now(),
		done:        done,
	}
	s.mu.Unlock()

	go s.janitor(fp, done)
}

func (s *AuthorizedSet) janitor(fp string, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			e, ok := s.entries[fp]
			if !ok {
				s.mu.Unlock()
				return
			}
			if time.Since(e.lastUsed) >= authorizedIdleTimeout {
				delete(s.entries, fp)
				s.mu.Unlock()
				if s.onEvict != nil {
					s.onEvict(e.sessionID)
				}
				return
			}
			s.mu.Unlock()
		}
	}
}

// Authorize reports whether pub is currently admitted, and if so returns the
// single address it may forward to, refreshing its idle timer.
func (s *AuthorizedSet) Authorize(pub ssh.PublicKey) (forwardAddr string, ok bool) {
	fp := ssh.FingerprintSHA256(pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[fp]
	if !exists {
		return "", false
	}
	e.lastUsed = time.Now()
	return e.forwardAddr, true
}

// Remove evicts every entry tagged with sessionID. Concurrent sessions never
// remove each other's entries (spec §8: "authorised-key entries created are
// exactly the set removed during cleanup").
func (s *AuthorizedSet) Remove(sessionID string) {
	s.mu.Lock()
	var toClose []chan struct{}
	for fp, e := range s.entries {
		if e.sessionID == sessionID {
			toClose = append(toClose, e.done)
			delete(s.entries, fp)
		}
	}
	s.mu.Unlock()
	for _, done := range toClose {
		close(done)
	}
}

// Count returns the number of currently-admitted entries (test/diagnostic
// helper).
func (s *AuthorizedSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
