package discovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/noports-go/noports/internal/logx"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
)

// respondingDaemon simulates a daemon that answers ping.<name> with one
// immediate heartbeat, matching the real daemon's Heartbeat.Start behaviour.
func respondingDaemon(ctx context.Context, t *testing.T, sub substrate.Substrate, name string) {
	t.Helper()
	pings, err := sub.Subscribe(ctx, "^"+protocol.PingKey(protocol.DeviceName(name))+"$")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range pings {
			hb, _ := json.Marshal(protocol.HeartbeatPayload{DeviceName: name, Version: "5.1.0"})
			sub.Notify(ctx, protocol.HeartbeatKey(protocol.DeviceName(name), "@b"), string(hb))
		}
	}()
}

func publishDeviceInfo(ctx context.Context, t *testing.T, sub substrate.Substrate, name, daemon, version string) {
	t.Helper()
	d, _ := json.Marshal(protocol.DeviceInfo{DeviceName: name, Version: version, Features: []string{"direct"}})
	if err := sub.Notify(ctx, protocol.DeviceInfoKey(protocol.DeviceName(name), protocol.Address(daemon)), string(d)); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverClassifiesActiveAndInactiveDevices(t *testing.T) {
	sub := substrate.NewMem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	respondingDaemon(ctx, t, sub, "d1")
	// d2 never responds to ping.

	resultCh := make(chan Result, 1)
	go func() {
		r, err := Discover(ctx, sub, protocol.Address("@b"), logx.Setup("error", false))
		if err != nil {
			t.Error(err)
			return
		}
		resultCh <- r
	}()

	// Give Discover's subscriptions time to register before publishing
	// device_info, since the in-memory substrate only fans out to
	// subscriptions already registered at Notify time.
	time.Sleep(20 * time.Millisecond)
	publishDeviceInfo(ctx, t, sub, "d1", "@b", "5.1.0")
	publishDeviceInfo(ctx, t, sub, "d2", "@b", "5.0.0")

	select {
	case r := <-resultCh:
		if len(r.Active) != 1 || r.Active[0] != "d1" {
			t.Errorf("expected active=[d1], got %v", r.Active)
		}
		if len(r.Inactive) != 1 || r.Inactive[0] != "d2" {
			t.Errorf("expected inactive=[d2], got %v", r.Inactive)
		}
		if r.Info["d1"].Version != "5.1.0" {
			t.Errorf("expected d1 version 5.1.0, got %q", r.Info["d1"].Version)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("timed out waiting for Discover to finish")
	}
}

func TestDiscoverWithNoDevicesReturnsEmptyResult(t *testing.T) {
	sub := substrate.NewMem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := Discover(ctx, sub, protocol.Address("@b"), logx.Setup("error", false))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Active) != 0 || len(r.Inactive) != 0 || len(r.Info) != 0 {
		t.Errorf("expected empty result, got %+v", r)
	}
}
