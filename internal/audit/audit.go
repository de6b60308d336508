// Package audit records session-lifecycle events. The teacher persists
// audit entries to a PocketBase collection; there is no database here, so
// this generalises Write's Entry-struct-plus-status-validation shape into a
// structured zerolog event instead of a DB row — np/npd/rvd have no shared
// store to write audit records into, and the spec names no requirement for
// one, but the teacher's practice of a single named-field audit call at
// every lifecycle transition is worth keeping.
package audit

import "github.com/rs/zerolog"

// Status mirrors the teacher's tri-state audit status.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Entry holds the fields for one audit record. Named-struct, not positional
// parameters, for the same reason the teacher's audit.Entry is: too many
// same-typed fields to risk a swapped-argument bug.
type Entry struct {
	SessionID    string
	Action       string // dot-namespaced verb, e.g. "session.request", "session.cleanup"
	ClientAddr   string
	DaemonAddr   string
	Device       string
	Status       Status
	Detail       map[string]any
}

var validStatuses = map[Status]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Write emits one structured audit event via log. An invalid Status is
// logged as a warning and the event is skipped, matching the teacher's
// "log and swallow" treatment of audit failures — an audit problem must
// never break the session it is describing.
func Write(log zerolog.Logger, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Warn().Str("action", entry.Action).Str("status", string(entry.Status)).
			Msg("audit: invalid status, skipping entry")
		return
	}

	evt := log.Info().
		Str("sessionId", entry.SessionID).
		Str("action", entry.Action).
		Str("client", entry.ClientAddr).
		Str("daemon", entry.DaemonAddr).
		Str("device", entry.Device).
		Str("status", string(entry.Status))

	for k, v := range entry.Detail {
		evt = evt.Interface(k, v)
	}
	evt.Msg("session audit event")
}
