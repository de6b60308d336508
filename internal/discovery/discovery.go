// Package discovery implements the client-side device discovery pass of
// spec §4.3/§4.2: collect every device_info a daemon address has shared,
// ping each one, and classify the set as active/inactive by whether a
// heartbeat is observed within the wait window. Grounded on the teacher's
// internal/supervisor.Client.GetAllProcessInfo shape — fetch everything
// first, then classify by an observed liveness signal — rather than its
// XML-RPC transport, which has no bearing here.
package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
)

// PingTimeout bounds how long Discover waits for heartbeat responses after
// pinging every discovered device (spec §5: "5 s for device ping").
const PingTimeout = 5 * time.Second

// Result is the classified outcome of one discovery pass.
type Result struct {
	Active   []string
	Inactive []string
	Info     map[string]protocol.DeviceInfo
}

// Discover collects device_info.*.sshnp<daemon> records, pings every
// discovered device, and waits PingTimeout for a corresponding heartbeat
// before classifying each device as active or inactive.
func Discover(ctx context.Context, sub substrate.Substrate, daemon protocol.Address, log zerolog.Logger) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	infoPattern := `\.[^.]+\.sshnp` + regexpQuote(string(daemon)) + `$`
	infoNotifications, err := sub.Subscribe(ctx, `device_info` + infoPattern)
	if err != nil {
		return Result{}, err
	}

	heartbeatNotifications, err := sub.Subscribe(ctx, `heartbeat` + infoPattern)
	if err != nil {
		return Result{}, err
	}

	info := make(map[string]protocol.DeviceInfo)
	seenHeartbeat := make(map[string]bool)

	// Give device_info publishers a brief window to answer before pinging:
	// a device not yet discovered can't be pinged by name.
	collectWindow := time.NewTimer(500 * time.Millisecond)
	defer collectWindow.Stop()
collect:
	for {
		select {
		case n := <-infoNotifications:
			var d protocol.DeviceInfo
			if err := json.Unmarshal([]byte(n.Value), &d); err != nil {
				log.Warn().Err(err).Msg("discovery: malformed device_info payload")
				continue
			}
			info[d.DeviceName] = d
		case <-collectWindow.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	for name := range info {
		if err := sub.Notify(ctx, protocol.PingKey(protocol.DeviceName(name)), ""); err != nil {
			log.Warn().Err(err).Str("device", name).Msg("discovery: ping publish failed")
		}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, PingTimeout)
	defer waitCancel()
waitHeartbeats:
	for {
		select {
		case n := <-heartbeatNotifications:
			var hb protocol.HeartbeatPayload
			if err := json.Unmarshal([]byte(n.Value), &hb); err != nil {
				continue
			}
			seenHeartbeat[hb.DeviceName] = true
		case <-waitCtx.Done():
			break waitHeartbeats
		}
	}

	result := Result{Info: info}
	for name := range info {
		if seenHeartbeat[name] {
			result.Active = append(result.Active, name)
		} else {
			result.Inactive = append(result.Inactive, name)
		}
	}
	return result, nil
}

func regexpQuote(s string) string {
	quoted := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '.', '+', '*', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			quoted = append(quoted, '\\', c)
		default:
			quoted = append(quoted, c)
		}
	}
	return string(quoted)
}
