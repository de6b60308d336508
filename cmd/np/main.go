// Command np is the client of spec §4.3: it establishes one SSH session
// against a device behind NAT and prints the ssh command line to run.
// Follows the teacher's cmd/server/main.go shape (config.Load-equivalent at
// the top, zerolog setup, os/signal-driven graceful shutdown) generalised
// to a Cobra command tree instead of a single HTTP-server binary, since
// this binary has several distinct subcommands (run, discover, whoami,
// trust) rather than one long-lived listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noports-go/noports/internal/client"
	"github.com/noports-go/noports/internal/config"
	"github.com/noports-go/noports/internal/discovery"
	"github.com/noports-go/noports/internal/identity"
	"github.com/noports-go/noports/internal/keygen"
	"github.com/noports-go/noports/internal/logx"
	"github.com/noports-go/noports/internal/nperrors"
	"github.com/noports-go/noports/internal/protocol"
	"github.com/noports-go/noports/internal/substrate"
)

var (
	flagClientAddr string
	flagDaemonAddr string
	flagDevice     string
	flagHost       string
	flagPort       int
	flagLocalPort  int
	flagSSHDPort   int
	flagUsername   string
	flagIdentity   string
	flagSSHAlgo    string
	flagRedisAddr  string
	flagLogLevel   string
	flagPretty     bool
	flagExec       bool
)

func main() {
	config.LoadDotEnv()

	root := &cobra.Command{
		Use:   "np",
		Short: "Establish an SSH session with a device behind NAT",
	}
	root.PersistentFlags().StringVar(&flagClientAddr, "client-addr", config.String("NP_CLIENT_ADDR", ""), "this client's own address (e.g. @alice)")
	root.PersistentFlags().StringVar(&flagDaemonAddr, "daemon-addr", config.String("NP_DAEMON_ADDR", ""), "the daemon's address (e.g. @bob)")
	root.PersistentFlags().StringVar(&flagDevice, "device", config.String("NP_DEVICE", ""), "the device name registered by the daemon")
	root.PersistentFlags().StringVar(&flagRedisAddr, "redis-addr", config.String("REDIS_ADDR", ""), "substrate Redis address")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", config.String("NP_LOG_LEVEL", "info"), "zerolog level")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", config.Bool("NP_LOG_PRETTY", false), "console-formatted logs instead of JSON")

	root.AddCommand(runCommand(), discoverCommand(), whoamiCommand(), trustCommand())

	if err := root.Execute(); err != nil {
		os.Exit(nperrors.Classify(err).ExitCode())
	}
}

func runCommand() *cobra.Command {
	var usernameTTL time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Establish a session and print the ssh command line to run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log := logx.Setup(flagLogLevel, flagPretty)
			log = logx.Component(log, "client")

			dataDir := config.DataDir()
			signer, pub, err := identity.LoadOrGenerateSigner(dataDir)
			if err != nil {
				return nperrors.Config("load signing key", err)
			}
			lookup := identity.NewFileLookup(dataDir)
			lookup.RegisterSelf(protocol.Address(flagClientAddr), pub)

			sub := substrate.NewRedis(flagRedisAddr, 0)

			orch := &client.Orchestrator{
				Config: client.Config{
					ClientAddr:     protocol.Address(flagClientAddr),
					DaemonAddr:     protocol.Address(flagDaemonAddr),
					Device:         protocol.DeviceName(flagDevice),
					SSHAlgo:        keygen.Algo(flagSSHAlgo),
					Host:           flagHost,
					Port:           flagPort,
					LocalPort:      flagLocalPort,
					SSHDPort:       flagSSHDPort,
					RemoteUsername: flagUsername,
					IdentityFile:   flagIdentity,
					UsernameShareTTL: usernameTTL,
				},
				Signer:      signer,
				HashingAlgo: "sha256",
				Lookup:      lookup,
				Substrate:   sub,
				DataDir:     dataDir,
				Log:         log,
			}

			result, err := orch.Run(ctx)
			if err != nil {
				return err
			}

			if flagExec {
				return client.RunInteractive(result.Command)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Command)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagHost, "host", "", `target host: an IP (legacy reverse mode) or "@rvdAddress" (direct mode)`)
	cmd.Flags().IntVar(&flagPort, "port", 0, "remote side's SSH port (legacy reverse mode)")
	cmd.Flags().IntVar(&flagLocalPort, "local-port", 0, "local forward port; 0 selects one")
	cmd.Flags().IntVar(&flagSSHDPort, "sshd-port", 0, "device's real sshd port (0 defaults to 22)")
	cmd.Flags().StringVar(&flagUsername, "username", "", "remote username override")
	cmd.Flags().StringVar(&flagIdentity, "identity-file", "", "existing private key file to name with -i in the printed ssh command instead of the ephemeral key file")
	cmd.Flags().DurationVar(&usernameTTL, "username-ttl", 10*time.Second, "how long to wait for the daemon's shared username")
	cmd.Flags().BoolVar(&flagExec, "exec", false, "run the ssh command for the caller instead of printing it")
	cmd.Flags().StringVar(&flagSSHAlgo, "ssh-algo", string(keygen.AlgoEd25519), "ephemeral key algorithm: ed25519 or rsa")
	return cmd
}

func discoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List the devices a daemon address has announced, classified active/inactive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), discovery.PingTimeout+2*time.Second)
			defer cancel()

			log := logx.Component(logx.Setup(flagLogLevel, flagPretty), "discovery")
			sub := substrate.NewRedis(flagRedisAddr, 0)

			result, err := discovery.Discover(ctx, sub, protocol.Address(flagDaemonAddr), log)
			if err != nil {
				return nperrors.Transient("discovery", err)
			}

			for _, name := range result.Active {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tactive\n", name)
			}
			for _, name := range result.Inactive {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tinactive\n", name)
			}
			return nil
		},
	}
}

func whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print this principal's long-term public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pub, err := identity.LoadOrGenerateSigner(config.DataDir())
			if err != nil {
				return nperrors.Config("load signing key", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.PublicKeyString(pub))
			return nil
		},
	}
}

func trustCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <address> <base64-public-key>",
		Short: "Record a peer's long-term public key for signature verification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := protocol.Address(args[0])
			pub, err := identity.ParsePublicKeyString(args[1])
			if err != nil {
				return nperrors.Config("parse public key", err)
			}
			if err := identity.TrustPeer(config.DataDir(), addr, pub); err != nil {
				return nperrors.Config("trust peer", err)
			}
			return nil
		},
	}
}
