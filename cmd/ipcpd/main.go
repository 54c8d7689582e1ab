/*
ipcpd runs one IPC process.

	ipcpd run --name b.acme.IPCP --listen 127.0.0.1:5000 --bootstrap 1 --dif normal.DIF --prefix acme=1000 \
		--peer a.acme.IPCP=127.0.0.1:5001/7
	ipcpd run --name a.acme.IPCP --listen 127.0.0.1:5001 --peer b.acme.IPCP=127.0.0.1:5000/7 \
		--enroll b.acme.IPCP --console 127.0.0.1:8080
	ipcpd inspect --console http://127.0.0.1:8080 --object /dif/management/neighbors
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/console"
	"github.com/rflandau/rina/ipcp/enrollment"
	"github.com/rflandau/rina/ipcp/node"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	mainCmd = &cobra.Command{
		Use:          "ipcpd",
		Short:        "IPC process control plane over UDP management flows",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run an IPC process until interrupted",
		Args:  cobra.NoArgs,
		RunE:  run,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Print the RIB objects or CDAP sessions of a running process",
		Args:  cobra.NoArgs,
		RunE:  inspect,
	}
)

func init() {
	mainCmd.PersistentFlags().String("log-level", "warn", "one of trace, debug, info, warn, error")

	f := runCmd.Flags()
	f.String("name", "", "process name (required)")
	f.String("instance", "1", "process instance")
	f.String("listen", node.DefaultListenAddress.String(), "ip:port the management transport listens on")
	f.String("console", "", "ip:port to serve the inspection console on")
	f.StringArray("peer", nil, "peer as name[:instance]=ip:port/portid; repeatable")
	f.StringArray("prefix", nil, "address prefix as organization=address; repeatable")
	f.Uint64("bootstrap", 0, "bootstrap the DIF at this address instead of enrolling")
	f.String("dif", "normal.DIF", "name of the DIF to bootstrap")
	f.StringSlice("enroll", nil, "peers to enroll with")
	f.Duration("timeout", enrollment.DefaultTimeout, "enrollment step timeout")
	f.Duration("watchdog-period", enrollment.DefaultWatchdogPeriod, "how often neighbors are polled")
	f.Duration("dead-interval", enrollment.DefaultDeadInterval, "silence after which a neighbor is declared dead")
	f.Bool("start-early", true, "let enrollees start operating without waiting for START")

	inspectCmd.Flags().String("console", "http://127.0.0.1:8080", "base URL of the console")
	inspectCmd.Flags().String("object", "", "print only the named object")
	inspectCmd.Flags().Bool("sessions", false, "print the CDAP sessions instead of the RIB")

	mainCmd.AddCommand(runCmd, inspectCmd)
}

func main() {
	if _, err := mainCmd.ExecuteC(); err != nil {
		os.Exit(1)
	}
}

func logger(cmd *cobra.Command, name string) (*zerolog.Logger, error) {
	lvlStr, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	lvl, err := parseLevel(lvlStr)
	if err != nil {
		return nil, err
	}
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"node"},
		TimeFormat:  "15:04:05",
	}).With().
		Str("node", name).
		Timestamp().
		Caller().
		Logger().Level(lvl)
	return &l, nil
}

// options translates the run flags into node options.
func options(cmd *cobra.Command) ([]node.NodeOption, error) {
	f := cmd.Flags()
	listenStr, _ := f.GetString("listen")
	listen, err := netip.ParseAddrPort(listenStr)
	if err != nil {
		return nil, fmt.Errorf("--listen: %w", err)
	}
	opts := []node.NodeOption{node.WithListenAddress(listen)}

	if consoleStr, _ := f.GetString("console"); consoleStr != "" {
		ap, err := netip.ParseAddrPort(consoleStr)
		if err != nil {
			return nil, fmt.Errorf("--console: %w", err)
		}
		opts = append(opts, node.WithConsole(ap))
	}

	peerStrs, _ := f.GetStringArray("peer")
	for _, s := range peerStrs {
		p, err := parsePeer(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, node.WithPeers(p))
	}

	var prefixes []enrollment.AddressPrefix
	prefixStrs, _ := f.GetStringArray("prefix")
	for _, s := range prefixStrs {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	timeout, _ := f.GetDuration("timeout")
	period, _ := f.GetDuration("watchdog-period")
	dead, _ := f.GetDuration("dead-interval")
	early, _ := f.GetBool("start-early")
	opts = append(opts, node.WithEnrollmentOptions(
		enrollment.WithAddressPrefixes(prefixes...),
		enrollment.WithTimeout(timeout),
		enrollment.WithWatchdog(period, dead),
		enrollment.WithStartEarly(early),
	))
	return opts, nil
}

func run(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	if name == "" {
		return errors.New("--name is required")
	}
	instance, _ := f.GetString("instance")
	l, err := logger(cmd, name)
	if err != nil {
		return err
	}
	opts, err := options(cmd)
	if err != nil {
		return err
	}

	n, err := node.New(ipcp.NamingInfo{ProcessName: name, ProcessInstance: instance}, append(opts, node.WithLogger(l))...)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	if addr, _ := f.GetUint64("bootstrap"); addr != 0 {
		difName, _ := f.GetString("dif")
		if err := n.Bootstrap(addr, enrollment.DIF{Name: difName}); err != nil {
			_ = n.Close()
			return err
		}
		l.Info().Uint64("address", addr).Str("dif", difName).Msg("bootstrapped")
	}
	enrollWith, _ := f.GetStringSlice("enroll")
	for _, peer := range enrollWith {
		if err := n.Enroll(peer); err != nil {
			l.Error().Err(err).Str("peer", peer).Msg("failed to start enrollment")
		}
	}

	fmt.Println("listening on", n.Transport().Addr(), "- send a SIGINT to kill the program")
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)
	<-done

	fmt.Println("SIGINT captured. Cleaning up....")
	return n.Close()
}

func inspect(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	base, _ := f.GetString("console")
	object, _ := f.GetString("object")
	sessions, _ := f.GetBool("sessions")

	cli := console.NewClient(base)
	defer cli.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var (
		out any
		err error
	)
	switch {
	case sessions:
		out, err = cli.Sessions(ctx)
	case object != "":
		out, err = cli.Object(ctx, object)
	default:
		out, err = cli.Objects(ctx)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
