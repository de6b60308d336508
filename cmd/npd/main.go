// Command npd is the daemon of spec §4.2: it runs on the NAT'd device,
// authorises incoming session requests, and dials either the rendezvous
// relay or the client directly to establish the data path. Follows the
// teacher's cmd/server/main.go graceful-shutdown shape: load config, set up
// logging, start background work, block on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noports-go/noports/internal/config"
	"github.com/noports-go/noports/internal/daemon"
	"github.com/noports-go/noports/internal/identity"
	"github.com/noports-go/noports/internal/keygen"
	"github.com/noports-go/noports/internal/logx"
	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
	"github.com/noports-go/noports/internal/worker"
)

func main() {
	config.LoadDotEnv()

	var (
		daemonAddr string
		device     string
		allowList  []string
		sshdPort   int
		redisAddr  string
		logLevel   string
		pretty     bool
		signerAlgo string
		version    string
		features   []string
		debugConsole     bool
		debugConsoleAddr string
	)

	root := &cobra.Command{
		Use:   "npd",
		Short: "Run the on-device session controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !protocol.DeviceName(device).Valid() {
				return nperrors.Config(fmt.Sprintf("invalid device name %q", device), nil)
			}

			log := logx.Setup(logLevel, pretty)
			ctrlLog := logx.Component(log, "daemon")

			dataDir := config.DataDir()
			signer, pub, err := identity.LoadOrGenerateSigner(dataDir)
			if err != nil {
				return nperrors.Config("load signing key", err)
			}
			lookup := identity.NewFileLookup(dataDir)
			lookup.RegisterSelf(protocol.Address(daemonAddr), pub)

			hostKey, err := keygen.LoadOrGenerateHostKey(dataDir)
			if err != nil {
				return nperrors.Config("load host key", err)
			}

			sub := substrate.NewRedis(redisAddr, 0)

			allow := make([]protocol.Address, 0, len(allowList))
			for _, a := range allowList {
				allow = append(allow, protocol.Address(a))
			}

			ctrl := daemon.NewController(daemon.Controller{
				Device:      protocol.DeviceName(device),
				DaemonAddr:  protocol.Address(daemonAddr),
				Signer:      signer,
				HashingAlgo: "sha256",
				Lookup:      lookup,
				Substrate:   sub,
				HostKey:     hostKey,
				AllowList:   allow,
				SSHDPort:    sshdPort,
				DataDir:     dataDir,
				SignerAlgo:  keygen.Algo(signerAlgo),
				Log:         ctrlLog,
			})

			w := worker.New(redisAddr, ctrl.TrackerLookup, logx.Component(log, "worker"))
			w.Start()
			defer w.Shutdown()

			if debugConsole {
				console := &daemon.DebugConsole{Log: logx.Component(log, "debugconsole")}
				srv := &http.Server{Addr: debugConsoleAddr, Handler: console}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						ctrlLog.Warn().Err(err).Msg("debug console exited")
					}
				}()
				defer srv.Close()
				ctrlLog.Info().Str("addr", debugConsoleAddr).Msg("debug console listening")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			hb := &daemon.Heartbeat{
				Substrate: sub,
				Device:    protocol.DeviceName(device),
				Daemon:    protocol.Address(daemonAddr),
				Payload: protocol.HeartbeatPayload{
					DeviceName:        device,
					Version:           version,
					SupportedFeatures: features,
				},
				Log: logx.Component(log, "heartbeat"),
			}
			if err := hb.Start(ctx); err != nil {
				return nperrors.Config("start heartbeat", err)
			}

			publishDeviceInfo(ctx, sub, protocol.DeviceInfo{
				DeviceName: device,
				Version:    version,
				Features:   features,
			}, protocol.DeviceName(device), protocol.Address(daemonAddr))

			ctrlLog.Info().Str("device", device).Msg("npd starting")

			errCh := make(chan error, 1)
			go func() { errCh <- ctrl.Run(ctx) }()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			ctrlLog.Info().Msg("npd shutting down")
			return nil
		},
	}

	root.Flags().StringVar(&daemonAddr, "daemon-addr", config.String("NPD_DAEMON_ADDR", ""), "this daemon's own address (e.g. @bob)")
	root.Flags().StringVar(&device, "device", config.String("NPD_DEVICE", ""), "the device name this daemon registers under")
	root.Flags().StringSliceVar(&allowList, "allow", config.StringSlice("NPD_ALLOW", nil), "addresses permitted to request sessions (empty = allow all)")
	root.Flags().IntVar(&sshdPort, "sshd-port", config.Int("NPD_SSHD_PORT", 22), "this device's real local sshd port")
	root.Flags().StringVar(&redisAddr, "redis-addr", config.String("REDIS_ADDR", ""), "substrate Redis address")
	root.Flags().StringVar(&logLevel, "log-level", config.String("NPD_LOG_LEVEL", "info"), "zerolog level")
	root.Flags().BoolVar(&pretty, "pretty", config.Bool("NPD_LOG_PRETTY", false), "console-formatted logs instead of JSON")
	root.Flags().StringVar(&signerAlgo, "ephemeral-algo", string(keygen.AlgoEd25519), "ephemeral key algorithm this daemon generates in direct mode")
	root.Flags().StringVar(&version, "version", "dev", "version string announced in device_info/heartbeat")
	root.Flags().StringSliceVar(&features, "features", nil, "supported feature names announced in device_info/heartbeat")
	root.Flags().BoolVar(&debugConsole, "debug-console", config.Bool("NPD_DEBUG_CONSOLE", false), "serve a loopback-only WebSocket shell for local operator debugging")
	root.Flags().StringVar(&debugConsoleAddr, "debug-console-addr", config.String("NPD_DEBUG_CONSOLE_ADDR", "127.0.0.1:6060"), "bind address for --debug-console (must stay loopback-only)")

	if err := root.Execute(); err != nil {
		os.Exit(nperrors.Classify(err).ExitCode())
	}
}

func publishDeviceInfo(ctx context.Context, sub substrate.Substrate, info protocol.DeviceInfo, device protocol.DeviceName, daemonAddr protocol.Address) {
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	key := protocol.DeviceInfoKey(device, daemonAddr)
	_ = sub.Notify(ctx, key, string(raw))
}
