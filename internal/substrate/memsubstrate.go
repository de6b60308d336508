package substrate

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Mem is an in-process Substrate for unit tests and local single-binary
// demos: notifications never leave the process. Safe for concurrent use.
type Mem struct {
	mu   sync.Mutex
	subs []*memSub
}

type memSub struct {
	pattern *regexp.Regexp
	ch      chan Notification
}

// NewMem returns an empty in-process substrate.
func NewMem() *Mem {
	return &Mem{}
}

// Notify delivers value under key to every live subscription whose pattern
// matches key. Delivery is best-effort: a subscriber whose channel is full
// does not block the publisher (matching the substrate's black-box,
// fire-and-forget notify() contract from spec §1).
func (m *Mem) Notify(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if !s.pattern.MatchString(key) {
			continue
		}
		select {
		case s.ch <- Notification{Key: key, Value: value}:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of notifications whose keys match pattern
// (a Go regexp). The channel is closed when ctx is cancelled.
func (m *Mem) Subscribe(ctx context.Context, pattern string) (<-chan Notification, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("substrate: invalid pattern %q: %w", pattern, err)
	}
	sub := &memSub{pattern: re, ch: make(chan Notification, 32)}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s == sub {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}
