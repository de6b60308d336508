// Package substrate defines the identity/notification black box of spec §1:
// notify(key, value) / subscribe(regex) -> stream. The real substrate is
// external and encrypted; this package only carries the interface and two
// implementations used for local development and tests, never the real
// transport.
package substrate

import "context"

// Notification is one delivered message on a subscription stream.
type Notification struct {
	Key   string
	Value string
}

// Substrate is the black-box contract every component here treats the
// identity/notification layer as. Notify publishes value under key; the
// publish key convention (addressing, namespacing) lives in
// internal/protocol, not here. Subscribe returns a channel of
// Notifications matching pattern, closed when ctx is cancelled.
type Substrate interface {
	Notify(ctx context.Context, key, value string) error
	Subscribe(ctx context.Context, pattern string) (<-chan Notification, error)
}
