package discovery

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wlynxg/anet"

	"devicelink/config"
)

// NetworkMode is the classification of the active network.
type NetworkMode int

const (
	NetworkNone NetworkMode = iota
	NetworkRegular
	NetworkHotspot
	NetworkWiFiDirect
)

func (m NetworkMode) String() string {
	switch m {
	case NetworkRegular:
		return "regular"
	case NetworkHotspot:
		return "hotspot"
	case NetworkWiFiDirect:
		return "wifi_direct"
	default:
		return "none"
	}
}

var (
	wifiDirectSubnet = mustCIDR("192.168.49.0/24")
	hotspotSubnet    = mustCIDR("192.168.43.0/24")
)

// InterfaceAddr is one IPv4 address bound to an interface that is up.
type InterfaceAddr struct {
	Interface string
	IP        net.IP
	Net       *net.IPNet
}

// NetworkState is a snapshot of local addresses and their classification.
type NetworkState struct {
	Mode      NetworkMode
	Addresses []InterfaceAddr
}

// Usable reports whether the state has any address peers could reach.
func (s NetworkState) Usable() bool {
	return s.Mode != NetworkNone
}

// LocalIP returns the preferred local address for outbound hellos.
func (s NetworkState) LocalIP() string {
	for _, addr := range s.Addresses {
		if classifyAddr(addr) == s.Mode {
			return addr.IP.String()
		}
	}
	if len(s.Addresses) > 0 {
		return s.Addresses[0].IP.String()
	}
	return ""
}

// BroadcastAddrs returns the directed broadcast address of every local subnet.
func (s NetworkState) BroadcastAddrs() []net.IP {
	seen := make(map[string]struct{})
	out := make([]net.IP, 0, len(s.Addresses))
	for _, addr := range s.Addresses {
		if addr.Net == nil {
			continue
		}
		ip := addr.Net.IP.To4()
		mask := addr.Net.Mask
		if ip == nil || len(mask) != net.IPv4len {
			continue
		}
		broadcast := make(net.IP, net.IPv4len)
		for i := range broadcast {
			broadcast[i] = ip[i] | ^mask[i]
		}
		if _, ok := seen[broadcast.String()]; ok {
			continue
		}
		seen[broadcast.String()] = struct{}{}
		out = append(out, broadcast)
	}
	if len(out) == 0 {
		out = append(out, net.IPv4bcast)
	}
	return out
}

// InterfaceNames lists each interface carrying an address, in address order.
func (s NetworkState) InterfaceNames() []string {
	var out []string
	seen := make(map[string]struct{}, len(s.Addresses))
	for _, addr := range s.Addresses {
		if _, ok := seen[addr.Interface]; ok {
			continue
		}
		seen[addr.Interface] = struct{}{}
		out = append(out, addr.Interface)
	}
	return out
}

func (s NetworkState) equal(other NetworkState) bool {
	if s.Mode != other.Mode || len(s.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range s.Addresses {
		if s.Addresses[i].Interface != other.Addresses[i].Interface || !s.Addresses[i].IP.Equal(other.Addresses[i].IP) {
			return false
		}
	}
	return true
}

// Classify derives the network mode from local addresses. Wi-Fi Direct wins
// over hotspot, which wins over a regular LAN.
func Classify(addrs []InterfaceAddr) NetworkMode {
	mode := NetworkNone
	for _, addr := range addrs {
		switch classifyAddr(addr) {
		case NetworkWiFiDirect:
			return NetworkWiFiDirect
		case NetworkHotspot:
			mode = NetworkHotspot
		case NetworkRegular:
			if mode == NetworkNone {
				mode = NetworkRegular
			}
		}
	}
	return mode
}

func classifyAddr(addr InterfaceAddr) NetworkMode {
	name := strings.ToLower(addr.Interface)
	switch {
	case strings.HasPrefix(name, "p2p") || wifiDirectSubnet.Contains(addr.IP):
		return NetworkWiFiDirect
	case strings.HasPrefix(name, "ap") || strings.HasPrefix(name, "swlan") || strings.HasPrefix(name, "softap") || hotspotSubnet.Contains(addr.IP):
		return NetworkHotspot
	case addr.IP != nil && !addr.IP.IsLoopback():
		return NetworkRegular
	default:
		return NetworkNone
	}
}

// ListInterfaceAddrs enumerates IPv4 addresses on up, non-loopback interfaces.
// anet is used so enumeration also works on Android.
func ListInterfaceAddrs() ([]InterfaceAddr, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]InterfaceAddr, 0, len(ifaces))
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := anet.InterfaceAddrsByInterface(&iface)
		if err != nil {
			continue
		}
		for _, raw := range addrs {
			ipNet, ok := raw.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, InterfaceAddr{
				Interface: iface.Name,
				IP:        ip,
				Net:       &net.IPNet{IP: ip.Mask(ipNet.Mask), Mask: ipNet.Mask},
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface == out[j].Interface {
			return out[i].IP.String() < out[j].IP.String()
		}
		return out[i].Interface < out[j].Interface
	})
	return out, nil
}

// Monitor polls local interfaces and emits a NetworkState on every change.
type Monitor struct {
	interval time.Duration
	listFn   func() ([]InterfaceAddr, error)

	mu      sync.RWMutex
	current NetworkState
	primed  bool

	changes chan NetworkState

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor polling at interval.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = config.DefaultNetworkPollInterval
	}
	return &Monitor{
		interval: interval,
		listFn:   ListInterfaceAddrs,
		changes:  make(chan NetworkState, 4),
	}
}

// Start performs an initial poll and begins background polling.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.Poll()
		loopCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		m.wg.Add(1)
		go m.loop(loopCtx)
	})
}

// Stop halts polling and closes the change channel.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.changes)
	})
}

// Changes delivers a state on every observed change.
func (m *Monitor) Changes() <-chan NetworkState {
	return m.changes
}

// Current returns the most recent state.
func (m *Monitor) Current() NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Poll re-reads interfaces. It reports whether the state changed.
func (m *Monitor) Poll() (NetworkState, bool) {
	addrs, err := m.listFn()
	if err != nil {
		slog.Debug("network monitor: list interfaces failed", "err", err)
		addrs = nil
	}
	next := NetworkState{Mode: Classify(addrs), Addresses: addrs}

	m.mu.Lock()
	changed := !m.primed || !m.current.equal(next)
	m.current = next
	m.primed = true
	m.mu.Unlock()

	if changed {
		slog.Info("network changed", "mode", next.Mode.String(), "addresses", len(next.Addresses))
	}
	return next, changed
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, changed := m.Poll()
			if !changed {
				continue
			}
			// Drop the oldest pending state; only the latest matters.
			select {
			case m.changes <- state:
			default:
				select {
				case <-m.changes:
				default:
				}
				select {
				case m.changes <- state:
				default:
				}
			}
		}
	}
}

func mustCIDR(raw string) *net.IPNet {
	_, network, err := net.ParseCIDR(raw)
	if err != nil {
		panic(err)
	}
	return network
}
