// Package cleanup implements the per-session cleanup & resource tracker of
// spec §4.5: a Tracker accumulates teardown steps (temp keys, authorised-key
// entries, listeners, subprocesses) as they're created, and runs them in
// reverse order, each bounded to 2s, on completion, error, or signal.
// Generalises the teacher's internal/terminal/session.go idle-registry shape
// (done-channel signalled exit, mutex-guarded map) into a generic ordered
// teardown list rather than a single Close call.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StepTimeout bounds any single teardown step (spec §4.5: "any single
// teardown step is bounded at 2 s").
const StepTimeout = 2 * time.Second

// step is one registered teardown action.
type step struct {
	kind   string
	closer func(ctx context.Context) error
}

// Tracker collects a session's teardown steps and runs them once, in
// reverse registration order, best-effort (a failing step does not stop the
// remaining steps from running).
type Tracker struct {
	mu       sync.Mutex
	steps    []step
	ran      bool
	log      zerolog.Logger
	sessionID string
}

// New returns a Tracker for sessionID, logging each step's outcome to log.
func New(sessionID string, log zerolog.Logger) *Tracker {
	return &Tracker{sessionID: sessionID, log: log}
}

// Track registers a teardown step under kind (e.g. "ephemeral-key",
// "authorised-entry", "listener", "ssh-conn"). closer receives a context
// already bounded to StepTimeout.
func (t *Tracker) Track(kind string, closer func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ran {
		// Run already happened (e.g. session failed mid-setup and cleanup
		// fired before a later step registered); run this step immediately
		// rather than silently dropping it.
		t.runStep(context.Background(), step{kind: kind, closer: closer})
		return
	}
	t.steps = append(t.steps, step{kind: kind, closer: closer})
}

// Run executes all registered steps in reverse order, each bounded to
// StepTimeout. Safe to call multiple times: only the first call runs the
// steps (spec §8 idempotence invariant); later calls are no-ops.
func (t *Tracker) Run(ctx context.Context) {
	t.mu.Lock()
	if t.ran {
		t.mu.Unlock()
		return
	}
	t.ran = true
	steps := t.steps
	t.steps = nil
	t.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		t.runStep(ctx, steps[i])
	}
}

func (t *Tracker) runStep(parent context.Context, s step) {
	ctx, cancel := context.WithTimeout(parent, StepTimeout)
	defer cancel()
	if err := s.closer(ctx); err != nil {
		t.log.Warn().Str("sessionId", t.sessionID).Str("step", s.kind).Err(err).Msg("cleanup step failed")
		return
	}
	t.log.Debug().Str("sessionId", t.sessionID).Str("step", s.kind).Msg("cleanup step ok")
}

// reset clears ran and any pending steps, allowing Run to execute again.
// Test-only hook (mirrors the teacher's explicit-reset idiom for package
// state that must be reusable across table-driven subtests).
func (t *Tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ran = false
	t.steps = nil
}
