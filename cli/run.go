package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devicelink/config"
	"devicelink/crypto"
	"devicelink/network"
)

var (
	listenFlag      string
	noDiscoveryFlag bool
	mdnsFlag        bool
	pairFlags       []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node and stay in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runNode,
}

func init() {
	bindRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func bindRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&listenFlag, "listen", "", "stream listen address (default :<listening_port>)")
	cmd.Flags().BoolVar(&noDiscoveryFlag, "no-discovery", false, "start in manual mode without broadcast or scan")
	cmd.Flags().BoolVar(&mdnsFlag, "mdns", false, "also announce and browse over mDNS")
	cmd.Flags().StringArrayVar(&pairFlags, "pair", nil, "pair with ip:port after start (repeatable)")
}

func runNode(cmd *cobra.Command, _ []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	cfg := env.cfg

	identity, err := crypto.LoadIdentity(cfg.DeviceID, cfg.X25519PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	fingerprint := crypto.KeyFingerprint(identity.PublicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(env.cfgPath, cfg); err != nil {
			return fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	store, err := env.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("database close failed", "err", err)
		}
	}()

	listen := listenFlag
	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.ListeningPort)
	}
	discoveryEnabled := cfg.Discovery()
	if noDiscoveryFlag {
		discoveryEnabled = false
	}

	opts := network.Options{
		Identity:         identity,
		DisplayName:      cfg.DeviceName,
		DeviceType:       cfg.DeviceType,
		ListenAddress:    listen,
		DiscoveryPort:    cfg.DiscoveryPort,
		DiscoveryEnabled: discoveryEnabled,
		MDNSEnabled:      cfg.MDNSEnabled || mdnsFlag,
		ScanSubnets:      cfg.ScanSubnets,
		Timing:           cfg.Timing,
		Store:            store,
		Events:           store,
		OnPeerOffline: func(uuid string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Peer offline:    %s\n", uuid)
		},
	}
	if prompter := newPairingPrompter(os.Stdin, cmd.OutOrStdout()); prompter != nil {
		opts.OnPairingRequest = prompter.ask
	} else {
		slog.Warn("stdin is not a terminal; pairing requests from unknown devices will be refused")
	}

	node, err := network.New(opts)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device ID:       %s\n", identity.UUID)
	fmt.Fprintf(out, "Device Name:     %s\n", cfg.DeviceName)
	fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Fprintf(out, "Listening:       %s\n", node.Addr())
	fmt.Fprintf(out, "Discovery:       %s (enabled=%t)\n", node.DiscoveryAddr(), discoveryEnabled)
	fmt.Fprintf(out, "Data Directory:  %s\n", env.dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, target := range pairFlags {
		go pairWith(ctx, node, target, out)
	}

	unsubscribe := node.OnDeviceListChanged(func() {
		slog.Info("device list changed", "online", node.AuthenticatedOnlineCount())
	})
	defer unsubscribe()

	fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Fprintln(out, "Status:          shutting down")
	return nil
}

func pairWith(ctx context.Context, node *network.Node, target string, out io.Writer) {
	host, portText, err := net.SplitHostPort(target)
	if err != nil {
		slog.Warn("invalid pair target", "target", target, "err", err)
		return
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		slog.Warn("invalid pair port", "target", target, "err", err)
		return
	}

	pairCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	trust, err := node.PairAddress(pairCtx, host, port)
	if err != nil {
		slog.Warn("pairing failed", "target", target, "err", err)
		return
	}
	fmt.Fprintf(out, "Paired:          %s (%s)\n", trust.DisplayName, trust.UUID)
}
