// Package protocol defines the wire-level data model shared by np, npd, and
// rvd: addresses, device names, session identifiers, request/response
// records, and the notification-key naming scheme of §6. Nothing here
// touches the network; internal/envelope, internal/rendezvous,
// internal/daemon, and internal/client build on these types.
package protocol

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Address is an opaque principal identifier on the substrate, e.g. "@alice".
// It is used both as a routing label and as the key under which the
// principal's signing public key is resolved.
type Address string

// String returns the address without its leading '@', or the raw value if
// it was given without one.
func (a Address) String() string {
	return strings.TrimPrefix(string(a), "@")
}

// Valid reports whether a is non-empty and starts with '@'.
func (a Address) Valid() bool {
	return len(a) > 1 && strings.HasPrefix(string(a), "@")
}

var deviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// DeviceName is the ASCII device label chosen at daemon startup, forming the
// namespace suffix "<device>.sshnp".
type DeviceName string

// Valid reports whether d matches the required ASCII [A-Za-z0-9_]{1,15}
// shape (spec §8: 0-length and 16+-length names are rejected at config load).
func (d DeviceName) Valid() bool {
	return deviceNamePattern.MatchString(string(d))
}

// NewSessionID returns a fresh UUIDv4 session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Mode selects between the direct-via-rendezvous and legacy reverse-SSH
// session establishment paths.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeReverse Mode = "reverse"
)

// RequestRecord is the client->daemon session request (§3 "Request record").
type RequestRecord struct {
	SessionID           string `json:"sessionId"`
	Mode                Mode   `json:"mode"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	EphemeralPublicKey   string `json:"ephemeralPublicKey,omitempty"`
	RemoteForwardPort    int    `json:"remoteForwardPort,omitempty"`
	AuthHints            string `json:"authHints,omitempty"`
	RvdNonce             string `json:"rvdNonce,omitempty"`
}

// Status is the discriminant of a ResponsePayload (§9 "tagged variant").
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusConnected Status = "connected"
)

// ResponsePayload is the daemon->client response body, carried inside a
// signed envelope (§3 "Response envelope").
type ResponsePayload struct {
	SessionID            string `json:"sessionId"`
	Status               Status `json:"status"`
	EphemeralPrivateKey   string `json:"ephemeralPrivateKey,omitempty"`
	Message               string `json:"message,omitempty"`
}

// AuthPayload is the first message sent on each rendezvous socket (§3 "Auth
// envelope").
type AuthPayload struct {
	RvdNonce     string `json:"rvdNonce"`
	SessionID    string `json:"sessionId"`
	ClientNonce  string `json:"clientNonce,omitempty"`
}

// HeartbeatPayload is published by the daemon every 30s (§4.2 "Heartbeat").
type HeartbeatPayload struct {
	DeviceName         string   `json:"devicename"`
	Version            string   `json:"version"`
	CorePackageVersion string   `json:"corePackageVersion"`
	SupportedFeatures  []string `json:"supportedFeatures"`
}

// DeviceInfo is published by the daemon under device_info.<name>.sshnp<daemon>
// and consumed by client-side discovery (§4.3 "Discovery").
type DeviceInfo struct {
	DeviceName string   `json:"devicename"`
	Version    string   `json:"version"`
	Features   []string `json:"supportedFeatures"`
}

// Allocation is the parsed form of the rendezvous allocation reply, whose
// wire form is the literal string "<ip>,<portA>,<portB>,<nonce>" (§3, §6).
type Allocation struct {
	IP       string
	PortA    int
	PortB    int
	RvdNonce string
}

// ParseAllocation parses the rendezvous allocation reply string.
func ParseAllocation(s string) (Allocation, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Allocation{}, fmt.Errorf("protocol: malformed allocation reply %q", s)
	}
	var portA, portB int
	if _, err := fmt.Sscanf(parts[1], "%d", &portA); err != nil {
		return Allocation{}, fmt.Errorf("protocol: malformed portA in %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &portB); err != nil {
		return Allocation{}, fmt.Errorf("protocol: malformed portB in %q: %w", s, err)
	}
	return Allocation{IP: parts[0], PortA: portA, PortB: portB, RvdNonce: parts[3]}, nil
}

// String renders the allocation back to its wire form.
func (a Allocation) String() string {
	return fmt.Sprintf("%s,%d,%d,%s", a.IP, a.PortA, a.PortB, a.RvdNonce)
}

// Notification key builders (§6). Each mirrors the substrate's
// "<from>:<key>.<namespace>@<to>"-style addressing; this repo's in-process
// and Redis substrates both key on the plain string these return.

// RequestKey is the key the client publishes a RequestRecord under.
func RequestKey(daemon Address, sessionID string, device DeviceName, client Address) string {
	return fmt.Sprintf("%s:%s.%s.sshnp%s", string(daemon), sessionID, device, string(client))
}

// ResponseKey is the key the daemon publishes its ResponsePayload under.
func ResponseKey(client Address, sessionID string, device DeviceName, daemon Address) string {
	return fmt.Sprintf("%s:%s.%s.sshnp%s", string(client), sessionID, device, string(daemon))
}

// UsernameShareKey is the key the daemon's shared remote username lives
// under.
func UsernameShareKey(client Address, device DeviceName, daemon Address) string {
	return fmt.Sprintf("%s:username.%s.sshnp%s", string(client), device, string(daemon))
}

// DeviceInfoKey is the publicly-shared key carrying a DeviceInfo.
func DeviceInfoKey(device DeviceName, daemon Address) string {
	return fmt.Sprintf("*:device_info.%s.sshnp%s", device, string(daemon))
}

// HeartbeatKey is the publicly-shared key carrying a HeartbeatPayload.
func HeartbeatKey(device DeviceName, daemon Address) string {
	return fmt.Sprintf("*:heartbeat.%s.sshnp%s", device, string(daemon))
}

// RvdRequestKey is the key a client publishes a rendezvous allocation
// request under. Its value is a JSON object carrying sessionId, clientAddr
// and daemonAddr, not the bare sessionId.
func RvdRequestKey(rvd Address, device DeviceName, client Address) string {
	return fmt.Sprintf("%s:%s.sshrvd%s", string(rvd), device, string(client))
}

// PingKey is the control-channel key used to ping a device during discovery.
func PingKey(device DeviceName) string {
	return fmt.Sprintf("ping.%s", device)
}
