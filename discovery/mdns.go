package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/wlynxg/anet"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_devicelink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background mDNS browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
)

// ErrInvalidMDNSConfig is returned when an advertisement or browse cannot start
// with the supplied identity.
var ErrInvalidMDNSConfig = errors.New("discovery: invalid mdns config")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS advertiser and scanner.
type MDNSConfig struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID   string
	DeviceName     string
	DeviceType     string
	ListeningPort  int
	KeyFingerprint string

	// Interfaces limits the advertisement to the named interfaces. Empty
	// advertises on every multicast capable interface.
	Interfaces []string

	registerFn registerFunc
	browseFn   browseFunc
	ifacesFn   func() ([]net.Interface, error)
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.ifacesFn == nil {
		out.ifacesFn = anet.Interfaces
	}
	return out
}

func (c MDNSConfig) validateForBroadcast() error {
	if err := c.validateForScan(); err != nil {
		return err
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("%w: listening port %d out of range", ErrInvalidMDNSConfig, c.ListeningPort)
	}
	return nil
}

func (c MDNSConfig) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return fmt.Errorf("%w: self device id is required", ErrInvalidMDNSConfig)
	}
	return nil
}

// advertiseInterfaces maps Interfaces to live multicast interfaces. A nil
// result lets zeroconf pick.
func (c MDNSConfig) advertiseInterfaces() ([]net.Interface, error) {
	if len(c.Interfaces) == 0 {
		return nil, nil
	}
	all, err := c.ifacesFn()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	wanted := make(map[string]struct{}, len(c.Interfaces))
	for _, name := range c.Interfaces {
		wanted[name] = struct{}{}
	}
	var out []net.Interface
	for _, iface := range all {
		if _, ok := wanted[iface.Name]; !ok {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %v can multicast", ErrInvalidMDNSConfig, c.Interfaces)
	}
	return out, nil
}

// txtRecords renders the advertisement metadata. The instance name is the
// uuid so renames never collide with another device's advertisement.
func (c MDNSConfig) txtRecords() []string {
	return []string{
		"device_id=" + c.SelfDeviceID,
		"device_name=" + c.DeviceName,
		"device_type=" + c.DeviceType,
		"version=" + strconv.Itoa(c.Version),
		"key_fingerprint=" + c.KeyFingerprint,
	}
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS advertisement.
func StartBroadcaster(config MDNSConfig) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	ifaces, err := cfg.advertiseInterfaces()
	if err != nil {
		return nil, err
	}
	server, err := cfg.registerFn(cfg.SelfDeviceID, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), ifaces)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// MDNSService runs the advertiser and scanner together.
type MDNSService struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// StartMDNS starts advertiser and scanner using one config.
func StartMDNS(config MDNSConfig) (*MDNSService, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	scanner.Start()

	return &MDNSService{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and advertiser.
func (s *MDNSService) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
