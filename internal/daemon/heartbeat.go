package daemon

import (
	"context"
	"encoding/json"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
)

// Heartbeat publishes heartbeat.<device> every 30s (spec §4.2). Uses
// robfig/cron/v3 rather than a raw time.Ticker, matching the teacher's own
// pull of that dependency for periodic scheduling (see SPEC_FULL.md §3);
// the relay's one-shot 30s allocation timeout stays a plain time.AfterFunc
// since it is not a recurring schedule.
type Heartbeat struct {
	Substrate substrate.Substrate
	Device    protocol.DeviceName
	Daemon    protocol.Address
	Payload   protocol.HeartbeatPayload
	Log       zerolog.Logger

	cron *cron.Cron
}

// Start begins publishing heartbeats every 30s until ctx is cancelled, and
// additionally answers ping.<device> with an immediate out-of-cycle
// heartbeat so discovery (internal/discovery) observes liveness within its
// 5s window rather than waiting for the next scheduled tick.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.cron = cron.New(cron.WithSeconds())
	_, err := h.cron.AddFunc("*/30 * * * * *", func() {
		h.publish(ctx)
	})
	if err != nil {
		return err
	}
	h.cron.Start()

	pings, err := h.Substrate.Subscribe(ctx, "^"+protocol.PingKey(h.Device)+"$")
	if err != nil {
		h.cron.Stop()
		return err
	}
	go func() {
		for range pings {
			h.publish(ctx)
		}
	}()

	go func() {
		<-ctx.Done()
		h.cron.Stop()
	}()
	return nil
}

func (h *Heartbeat) publish(ctx context.Context) {
	raw, err := json.Marshal(h.Payload)
	if err != nil {
		h.Log.Warn().Err(err).Msg("heartbeat: marshal payload")
		return
	}
	key := protocol.HeartbeatKey(h.Device, h.Daemon)
	if err := h.Substrate.Notify(ctx, key, string(raw)); err != nil {
		h.Log.Warn().Err(err).Msg("heartbeat: publish")
	}
}
