package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"devicelink/crypto"
	"devicelink/registry"
	"devicelink/storage"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this device's id, name and key fingerprint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		identity, err := crypto.LoadIdentity(env.cfg.DeviceID, env.cfg.X25519PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Device ID:       %s\n", identity.UUID)
		fmt.Fprintf(out, "Device Name:     %s\n", env.cfg.DeviceName)
		fmt.Fprintf(out, "Device Type:     %s\n", env.cfg.DeviceType)
		fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(identity.PublicKey)))
		fmt.Fprintf(out, "Listening Port:  %d\n", env.cfg.ListeningPort)
		fmt.Fprintf(out, "Discovery Port:  %d\n", env.cfg.DiscoveryPort)
		fmt.Fprintf(out, "Config File:     %s\n", env.cfgPath)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers [device-id]",
	Short: "List paired and rejected devices, or show one paired device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		store, err := env.openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			return showPeer(cmd.OutOrStdout(), store, strings.TrimSpace(args[0]))
		}

		peers, err := store.ListTrustedPeers()
		if err != nil {
			return err
		}
		rejected, err := store.ListRejected()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE ID\tNAME\tTYPE\tLAST ADDRESS\tFINGERPRINT\tSTATUS")
		for _, peer := range peers {
			status := "paired"
			if !peer.Accepted {
				status = "pending"
			}
			address := "-"
			if peer.LastIP != "" {
				address = fmt.Sprintf("%s:%d", peer.LastIP, peer.LastPort)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				peer.UUID,
				orDash(peer.DisplayName),
				orDash(peer.DeviceType),
				address,
				crypto.FormatFingerprint(crypto.KeyFingerprint(peer.PublicKey)),
				status,
			)
		}
		sort.Strings(rejected)
		for _, id := range rejected {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\trejected\n", id)
		}
		return w.Flush()
	},
}

var unpairCmd = &cobra.Command{
	Use:   "unpair <device-id>",
	Short: "Forget a paired device and its shared secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, store, err := openRegistry()
		if err != nil {
			return err
		}
		defer store.Close()

		id := strings.TrimSpace(args[0])
		if _, ok := reg.Trust(id); !ok {
			return fmt.Errorf("device %s is not paired", id)
		}
		if err := reg.RemovePeer(id); err != nil {
			return err
		}
		if err := store.RecordSecurityEvent(storage.EventPeerUnpaired, id, "", storage.SecuritySeverityInfo, map[string]any{
			"source": "cli",
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unpaired %s\n", id)
		return nil
	},
}

var unrejectCmd = &cobra.Command{
	Use:   "unreject <device-id>",
	Short: "Allow a previously rejected device to request pairing again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, store, err := openRegistry()
		if err != nil {
			return err
		}
		defer store.Close()

		id := strings.TrimSpace(args[0])
		removed, err := reg.Unreject(id)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("device %s is not rejected", id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device %s may request pairing again\n", id)
		return nil
	},
}

var (
	eventsType  string
	eventsPeer  string
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recorded security events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		store, err := env.openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.GetSecurityEvents(storage.SecurityEventFilter{
			EventType:    eventsType,
			PeerDeviceID: eventsPeer,
			Limit:        eventsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tPEER\tREMOTE\tDETAILS")
		for _, event := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				time.UnixMilli(event.Timestamp).Format(time.DateTime),
				event.Severity,
				event.EventType,
				orDash(deref(event.PeerDeviceID)),
				orDash(deref(event.RemoteAddr)),
				orDash(event.Details),
			)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type")
	eventsCmd.Flags().StringVar(&eventsPeer, "peer", "", "filter by device id")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events")

	rootCmd.AddCommand(identityCmd, peersCmd, unpairCmd, unrejectCmd, eventsCmd)
}

func showPeer(out io.Writer, store *storage.Store, id string) error {
	peer, err := store.GetTrustedPeer(id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("device %s is not paired", id)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Device ID:    %s\n", peer.UUID)
	fmt.Fprintf(out, "Name:         %s\n", orDash(peer.DisplayName))
	fmt.Fprintf(out, "Type:         %s\n", orDash(peer.DeviceType))
	if peer.LastIP != "" {
		fmt.Fprintf(out, "Last Address: %s:%d\n", peer.LastIP, peer.LastPort)
	}
	fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(peer.PublicKey)))
	fmt.Fprintf(out, "Accepted:     %t\n", peer.Accepted)
	if peer.UpdatedAt > 0 {
		fmt.Fprintf(out, "Updated:      %s\n", time.UnixMilli(peer.UpdatedAt).Format(time.DateTime))
	}
	return nil
}

// openRegistry loads the persisted trust state for offline edits.
func openRegistry() (*registry.Registry, *storage.Store, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, nil, err
	}
	store, err := env.openStore()
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New(registry.Options{SelfUUID: env.cfg.DeviceID, Store: store})
	if err := reg.LoadPersisted(); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return reg, store, nil
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
