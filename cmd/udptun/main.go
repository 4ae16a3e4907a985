// Command udptun runs one side of a UDP-over-TCP tunnel (§6): either the
// listen role, accepting a TCP connection and relaying UDP datagrams to a
// local destination, or the connect role, dialing out and relaying UDP
// datagrams from a local socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nicktdot/udp-over-tcp/internal/config"
	"github.com/nicktdot/udp-over-tcp/internal/flog"
	"github.com/nicktdot/udp-over-tcp/internal/forwarder"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cfg        config.Config
	)

	var tcpListen, tcpConnect string

	cmd := &cobra.Command{
		Use:           "udptun",
		Short:         "Tunnel UDP datagrams over a single TCP connection",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			roleGiven, err := applyRoleFlags(&cfg, cmd, tcpListen, tcpConnect)
			if err != nil {
				return err
			}
			instances, err := resolveInstances(configPath, &cfg, roleGiven)
			if err != nil {
				return err
			}
			return runInstances(instances)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML file declaring one or more tunnels (§6)")
	flags.StringVar(&tcpListen, "tcp-listen", "", "accept the tunnel TCP connection on ADDR (role: listen)")
	flags.StringVar(&tcpConnect, "tcp-connect", "", "dial the tunnel TCP connection to ADDR (role: connect)")
	flags.StringVar(&cfg.UDPBindSpec, "udp-bind", "", `local UDP bind spec: PORT, IP:PORT, or "auto" (tcp-listen only)`)
	flags.StringVar(&cfg.UDPSendtoSpec, "udp-sendto", "", "local UDP destination spec: PORT, IP:PORT, or IP:auto (tcp-connect only)")
	flags.StringVar(&cfg.UDPBindIPSpec, "udp-bind-ip", "", "bind address for per-flow sockets when udp-bind is \"auto\" (default 0.0.0.0)")
	flags.BoolVar(&cfg.Verbose, "verbose", false, "log one line per established flow")
	flags.BoolVar(&cfg.Debug, "debug", false, "log one line per forwarded datagram")

	return cmd
}

// applyRoleFlags resolves the §6 "exactly one of tcp-listen/tcp-connect is
// required" rule and fills in cfg.Role/TCPAddr accordingly. It reports
// whether a role was given on the command line at all, so resolveInstances
// knows whether to let a --config file's own role stand.
func applyRoleFlags(cfg *config.Config, cmd *cobra.Command, tcpListen, tcpConnect string) (bool, error) {
	listenSet := cmd.Flags().Changed("tcp-listen")
	connectSet := cmd.Flags().Changed("tcp-connect")

	switch {
	case listenSet && connectSet:
		return false, fmt.Errorf("tcp-listen and tcp-connect are mutually exclusive")
	case listenSet:
		cfg.Role, cfg.TCPAddr = config.RoleListen, tcpListen
		return true, nil
	case connectSet:
		cfg.Role, cfg.TCPAddr = config.RoleConnect, tcpConnect
		return true, nil
	default:
		return false, nil
	}
}

// resolveInstances builds the set of Configs to run: either the single
// instance described by CLI flags, or every tunnel declared in --config.
// When a role flag is given alongside --config, the file's first tunnel is
// replaced as a whole by the instance described on the command line (no
// field-by-field merge). Without a role flag, the other CLI flags are not
// applied to the file's tunnels.
func resolveInstances(configPath string, cliCfg *config.Config, roleGiven bool) ([]config.Config, error) {
	if configPath == "" {
		if !roleGiven {
			return nil, fmt.Errorf("one of --tcp-listen or --tcp-connect is required")
		}
		errs := cliCfg.Resolve()
		if len(errs) > 0 {
			return nil, aggregateFlagErrors(errs)
		}
		return []config.Config{*cliCfg}, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}
	instances, err := config.LoadFile(data)
	if err != nil {
		return nil, err
	}
	if roleGiven {
		instances[0] = *cliCfg
		if errs := instances[0].Resolve(); len(errs) > 0 {
			return nil, aggregateFlagErrors(errs)
		}
	}
	return instances, nil
}

func aggregateFlagErrors(errs []error) error {
	msg := "invalid configuration:"
	for _, err := range errs {
		msg += "\n  - " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}

// runInstances starts one Forwarder per resolved Config and blocks until
// either every one exits or the process receives an interrupt/terminate
// signal, at which point every Forwarder is cancelled and the function
// waits for them to unwind cleanly.
func runInstances(instances []config.Config) error {
	for i := range instances {
		level := flog.Info
		if instances[i].Debug {
			level = flog.Debug
		}
		flog.SetLevel(int(level))
		break // all instances share one process-wide log level
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, len(instances))
	for i := range instances {
		fwd := forwarder.New(&instances[i])
		go func() { errCh <- fwd.Run(ctx) }()
	}

	var firstErr error
	for range instances {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
