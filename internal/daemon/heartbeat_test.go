package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/noports-go/noports/internal/logx"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
)

func TestHeartbeatPublishEmitsPayload(t *testing.T) {
	sub := substrate.NewMem()
	device := protocol.DeviceName("device1")
	daemonAddr := protocol.Address("@daemon")

	hb := &Heartbeat{
		Substrate: sub,
		Device:    device,
		Daemon:    daemonAddr,
		Payload: protocol.HeartbeatPayload{
			DeviceName:        string(device),
			Version:           "1.2.3",
			SupportedFeatures: []string{"direct", "reverse"},
		},
		Log: logx.Setup("error", false),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications, err := sub.Subscribe(ctx, "^"+regexpQuote(protocol.HeartbeatKey(device, daemonAddr))+"$")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hb.publish(ctx)

	select {
	case n := <-notifications:
		var payload protocol.HeartbeatPayload
		if err := json.Unmarshal([]byte(n.Value), &payload); err != nil {
			t.Fatalf("unmarshal heartbeat payload: %v", err)
		}
		if payload.Version != "1.2.3" {
			t.Errorf("version mismatch: got %q", payload.Version)
		}
		if len(payload.SupportedFeatures) != 2 {
			t.Errorf("expected 2 supported features, got %d", len(payload.SupportedFeatures))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat notification")
	}
}

func TestHeartbeatStartSchedulesJobAndStopsOnCancel(t *testing.T) {
	sub := substrate.NewMem()
	hb := &Heartbeat{
		Substrate: sub,
		Device:    protocol.DeviceName("device1"),
		Daemon:    protocol.Address("@daemon"),
		Log:       logx.Setup("error", false),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := hb.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(hb.cron.Entries()) != 1 {
		t.Fatalf("expected exactly 1 scheduled job, got %d", len(hb.cron.Entries()))
	}

	cancel()
	time.Sleep(20 * time.Millisecond) // let the ctx.Done() goroutine call cron.Stop()
}
