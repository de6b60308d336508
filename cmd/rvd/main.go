// Command rvd is the rendezvous relay of spec §4.1: a public-facing relay
// that allocates a pair of one-shot TCP listeners per session and splices
// the two authenticated sockets together. Follows the teacher's
// cmd/server/main.go shape: load config, set up logging, start the
// listener loop, block on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/noports-go/noports/internal/config"
	"github.com/noports-go/noports/internal/identity"
	"github.com/noports-go/noports/internal/logx"
	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/rendezvous"
	"github.com/noports-go/noports/internal/substrate"
)

func main() {
	config.LoadDotEnv()

	var (
		rvdAddr    string
		device     string
		publicIP   string
		portLow    int
		portHigh   int
		rateLimit  float64
		snoop      bool
		redisAddr  string
		logLevel   string
		pretty     bool
	)

	root := &cobra.Command{
		Use:   "rvd",
		Short: "Run the public rendezvous relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !protocol.DeviceName(device).Valid() {
				return nperrors.Config(fmt.Sprintf("invalid device name %q", device), nil)
			}
			if publicIP == "" {
				return nperrors.Config("--public-ip is required", nil)
			}

			log := logx.Component(logx.Setup(logLevel, pretty), "rendezvous")

			dataDir := config.DataDir()
			_, pub, err := identity.LoadOrGenerateSigner(dataDir)
			if err != nil {
				return nperrors.Config("load signing key", err)
			}
			lookup := identity.NewFileLookup(dataDir)
			lookup.RegisterSelf(protocol.Address(rvdAddr), pub)

			sub := substrate.NewRedis(redisAddr, 0)

			srv := &rendezvous.Server{
				PublicIP:  publicIP,
				Substrate: sub,
				Lookup:    lookup,
				Snoop:     snoop,
				RateLimit: rate.Limit(rateLimit),
				Pool:      rendezvous.NewPortPool(portLow, portHigh),
				Log:       log,
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log.Info().Str("device", device).Str("publicIp", publicIP).Msg("rvd starting")
			return srv.Run(ctx, protocol.DeviceName(device), protocol.Address(rvdAddr))
		},
	}

	root.Flags().StringVar(&rvdAddr, "rvd-addr", config.String("RVD_ADDR", ""), "this relay's own address (e.g. @relay1)")
	root.Flags().StringVar(&device, "device", config.String("RVD_DEVICE", ""), "the device namespace this relay serves allocation requests for")
	root.Flags().StringVar(&publicIP, "public-ip", config.String("RVD_PUBLIC_IP", ""), "the public IP this relay advertises in allocation replies")
	root.Flags().IntVar(&portLow, "port-low", config.Int("RVD_PORT_LOW", 0), "low end of the ephemeral port range (0 lets the OS choose)")
	root.Flags().IntVar(&portHigh, "port-high", config.Int("RVD_PORT_HIGH", 0), "high end of the ephemeral port range (0 lets the OS choose)")
	root.Flags().Float64Var(&rateLimit, "rate-limit", 20, "accepts per second this process permits across all sessions")
	root.Flags().BoolVar(&snoop, "snoop", config.Bool("RVD_SNOOP", false), "hex-dump spliced bytes to the trace-level log (bytes are never altered)")
	root.Flags().StringVar(&redisAddr, "redis-addr", config.String("REDIS_ADDR", ""), "substrate Redis address")
	root.Flags().StringVar(&logLevel, "log-level", config.String("RVD_LOG_LEVEL", "info"), "zerolog level")
	root.Flags().BoolVar(&pretty, "pretty", config.Bool("RVD_LOG_PRETTY", false), "console-formatted logs instead of JSON")

	if err := root.Execute(); err != nil {
		os.Exit(nperrors.Classify(err).ExitCode())
	}
}
