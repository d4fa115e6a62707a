package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"devicelink/config"
	"devicelink/logging"
	"devicelink/models"
	"devicelink/protocol"
	"devicelink/registry"
)

// Strategy names reported by Engine.Strategy.
const (
	StrategyIdle      = "idle"
	StrategyBroadcast = "broadcast"
	StrategyScan      = "scan"
	StrategyManual    = "manual"
)

const maxScanHostsPerSubnet = 1024

// Connector is the transport side the engine drives.
type Connector interface {
	// ConnectIfTrusted starts a background handshake when uuid is accepted and
	// not heartbeating.
	ConnectIfTrusted(uuid string)
	// Reconnect runs one full connection attempt toward a trusted peer.
	Reconnect(ctx context.Context, uuid string) error
	// Probe sends an encrypted probe and then handshakes with a trusted peer.
	Probe(ctx context.Context, uuid string) error
	// HandleHeartbeat processes a heartbeat received from remote.
	HandleHeartbeat(hb protocol.Heartbeat, remote net.Addr)
}

// NetworkSource reports the local network classification.
type NetworkSource interface {
	Start(ctx context.Context)
	Stop()
	Changes() <-chan NetworkState
	Current() NetworkState
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	SelfUUID         string
	DisplayName      string
	DeviceType       string
	ListenPort       int
	DiscoveryPort    int
	BindIP           string
	DiscoveryEnabled bool
	MDNSEnabled      bool
	KeyFingerprint   string
	ScanSubnets      []string
	Timing           config.Timing
	DatagramLimits   protocol.LimiterConfig

	Registry  *registry.Registry
	Connector Connector
	Network   NetworkSource

	sendFn func(addr *net.UDPAddr, line string) error
	mdnsFn func(MDNSConfig) (*MDNSService, error)
}

type manualState struct {
	failures      int
	cooldownUntil time.Time
}

// Engine keeps presence populated using the strategy that fits the current
// network: subnet broadcast, Wi-Fi Direct unicast scan, or manual dialing.
type Engine struct {
	cfg     EngineConfig
	log     *slog.Logger
	timing  config.Timing
	conn    *net.UDPConn
	limiter *protocol.InboundLimiter
	sendFn  func(addr *net.UDPAddr, line string) error

	mu      sync.RWMutex
	enabled bool
	state   NetworkState

	strategyMu      sync.Mutex
	strategy        string
	strategyCancel  context.CancelFunc
	strategyWG      sync.WaitGroup
	reconnectCancel context.CancelFunc

	manualMu sync.Mutex
	manual   map[string]*manualState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine creates an engine. Start binds the datagram socket.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if strings.TrimSpace(cfg.SelfUUID) == "" {
		return nil, errors.New("discovery: self uuid is required")
	}
	if cfg.Registry == nil || cfg.Connector == nil {
		return nil, errors.New("discovery: registry and connector are required")
	}
	if cfg.Network == nil {
		cfg.Network = NewMonitor(cfg.Timing.NetworkPollInterval.Std())
	}
	if cfg.mdnsFn == nil {
		cfg.mdnsFn = StartMDNS
	}
	if cfg.DatagramLimits.PerSecond <= 0 {
		cfg.DatagramLimits = protocol.DefaultDatagramLimits()
	}

	e := &Engine{
		cfg:     cfg,
		log:     logging.Component("discovery"),
		timing:  cfg.Timing.WithDefaults(),
		limiter: protocol.NewInboundLimiter(cfg.DatagramLimits),
		enabled: cfg.DiscoveryEnabled,
		manual:  make(map[string]*manualState),
	}
	e.sendFn = cfg.sendFn
	if e.sendFn == nil {
		e.sendFn = e.sendDatagram
	}
	return e, nil
}

// Start binds the discovery socket and starts the listener, the network
// watcher and the initial strategy. A bind failure is returned.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		bind := &net.UDPAddr{Port: e.cfg.DiscoveryPort}
		if e.cfg.BindIP != "" {
			bind.IP = net.ParseIP(e.cfg.BindIP)
		}
		conn, err := net.ListenUDP("udp4", bind)
		if err != nil {
			startErr = fmt.Errorf("bind discovery socket %s: %w", bind, err)
			return
		}
		e.conn = conn
		e.ctx, e.cancel = context.WithCancel(ctx)

		e.cfg.Network.Start(e.ctx)

		e.wg.Add(2)
		go e.listenLoop()
		go e.watchNetwork()

		e.onNetworkChange(e.cfg.Network.Current())
	})
	return startErr
}

// Stop halts every loop and closes the socket. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		if e.conn != nil {
			_ = e.conn.Close()
		}
		e.stopStrategy()
		e.cfg.Network.Stop()
		e.wg.Wait()
	})
}

// LocalAddr returns the bound discovery socket address.
func (e *Engine) LocalAddr() net.Addr {
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// NetworkState returns the last observed network snapshot.
func (e *Engine) NetworkState() NetworkState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// DiscoveryEnabled reports whether broadcast or scan discovery is on.
func (e *Engine) DiscoveryEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// SetDiscoveryEnabled switches between automatic discovery and manual mode.
func (e *Engine) SetDiscoveryEnabled(enabled bool) {
	e.mu.Lock()
	changed := e.enabled != enabled
	e.enabled = enabled
	e.mu.Unlock()

	if changed && e.ctx != nil && e.ctx.Err() == nil {
		e.log.Info("discovery mode changed", "enabled", enabled)
		e.restartStrategy()
	}
}

// Strategy returns the name of the running strategy.
func (e *Engine) Strategy() string {
	e.strategyMu.Lock()
	defer e.strategyMu.Unlock()
	return e.strategy
}

func (e *Engine) watchNetwork() {
	defer e.wg.Done()

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	changes := e.cfg.Network.Changes()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-cleanup.C:
			e.limiter.Cleanup()
		case state, ok := <-changes:
			if !ok {
				return
			}
			e.onNetworkChange(state)
		}
	}
}

func (e *Engine) onNetworkChange(state NetworkState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()

	e.log.Info("discovery network update", "mode", state.Mode.String(), "local_ip", state.LocalIP())
	e.restartStrategy()

	if !state.Usable() || state.Mode == NetworkWiFiDirect {
		// The scan strategy dials every trusted peer itself.
		return
	}

	e.strategyMu.Lock()
	if e.reconnectCancel != nil {
		e.reconnectCancel()
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.reconnectCancel = cancel
	e.strategyMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconnectAll(ctx)
	}()
}

func (e *Engine) restartStrategy() {
	e.strategyMu.Lock()
	defer e.strategyMu.Unlock()

	if e.strategyCancel != nil {
		e.strategyCancel()
		e.strategyWG.Wait()
		e.strategyCancel = nil
	}
	if e.ctx == nil || e.ctx.Err() != nil {
		e.strategy = StrategyIdle
		return
	}

	state := e.NetworkState()
	enabled := e.DiscoveryEnabled()
	ctx, cancel := context.WithCancel(e.ctx)
	e.strategyCancel = cancel

	switch {
	case !state.Usable():
		e.strategy = StrategyIdle
	case !enabled:
		e.strategy = StrategyManual
		e.runStrategy(func() { e.manualLoop(ctx) })
	case state.Mode == NetworkWiFiDirect:
		e.strategy = StrategyScan
		e.runStrategy(func() { e.reconnectAll(ctx) })
		e.runStrategy(func() { e.scanLoop(ctx, state) })
	default:
		e.strategy = StrategyBroadcast
		e.runStrategy(func() { e.broadcastLoop(ctx, state) })
		if e.cfg.MDNSEnabled {
			e.runStrategy(func() { e.mdnsLoop(ctx, state) })
		}
	}
	e.log.Debug("discovery strategy started", "strategy", e.strategy)
}

func (e *Engine) stopStrategy() {
	e.strategyMu.Lock()
	defer e.strategyMu.Unlock()

	if e.reconnectCancel != nil {
		e.reconnectCancel()
	}
	if e.strategyCancel != nil {
		e.strategyCancel()
		e.strategyWG.Wait()
		e.strategyCancel = nil
	}
	e.strategy = StrategyIdle
}

func (e *Engine) runStrategy(fn func()) {
	e.strategyWG.Add(1)
	go func() {
		defer e.strategyWG.Done()
		fn()
	}()
}

func (e *Engine) discoverLine() string {
	return protocol.Discover{
		UUID:        e.cfg.SelfUUID,
		DisplayName: e.cfg.DisplayName,
		Port:        e.cfg.ListenPort,
	}.Encode()
}

func (e *Engine) targetPort() int {
	if e.cfg.DiscoveryPort > 0 {
		return e.cfg.DiscoveryPort
	}
	if addr, ok := e.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return config.DefaultDiscoveryPort
}

func (e *Engine) broadcastLoop(ctx context.Context, state NetworkState) {
	targets := state.BroadcastAddrs()
	port := e.targetPort()
	line := e.discoverLine()

	ticker := time.NewTicker(e.timing.BroadcastInterval.Std())
	defer ticker.Stop()

	for {
		for _, ip := range targets {
			if ctx.Err() != nil {
				return
			}
			if err := e.sendFn(&net.UDPAddr{IP: ip, Port: port}, line); err != nil {
				e.log.Debug("presence broadcast failed", "target", ip.String(), "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) scanLoop(ctx context.Context, state NetworkState) {
	hosts := scanTargets(state, e.cfg.ScanSubnets)
	port := e.targetPort()
	line := e.discoverLine()
	limiter := rate.NewLimiter(rate.Limit(e.timing.ScanRate), 1)

	e.log.Info("wifi direct scan started", "hosts", len(hosts))
	for {
		for _, ip := range hosts {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if err := e.sendFn(&net.UDPAddr{IP: ip, Port: port}, line); err != nil {
				e.log.Debug("presence scan send failed", "target", ip.String(), "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.timing.BroadcastInterval.Std()):
		}
	}
}

func (e *Engine) mdnsLoop(ctx context.Context, state NetworkState) {
	svc, err := e.cfg.mdnsFn(MDNSConfig{
		SelfDeviceID:   e.cfg.SelfUUID,
		DeviceName:     e.cfg.DisplayName,
		DeviceType:     e.cfg.DeviceType,
		ListeningPort:  e.cfg.ListenPort,
		KeyFingerprint: e.cfg.KeyFingerprint,
		Interfaces:     state.InterfaceNames(),
	})
	if err != nil {
		e.log.Warn("mdns unavailable", "err", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for presence := range svc.Scanner.Sightings() {
			e.observe(presence)
		}
	}()

	<-ctx.Done()
	svc.Stop()
	<-done
}

func (e *Engine) manualLoop(ctx context.Context) {
	ticker := time.NewTicker(e.timing.ManualInterval.Std())
	defer ticker.Stop()

	for {
		e.manualRound(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) manualRound(ctx context.Context) {
	now := time.Now()
	for _, peer := range e.cfg.Registry.TrustedPeers() {
		if ctx.Err() != nil {
			return
		}
		if !peer.Accepted || e.cfg.Registry.IsHeartbeating(peer.UUID) {
			continue
		}
		if _, seen := e.cfg.Registry.Presence(peer.UUID); !seen && peer.LastIP == "" {
			continue
		}

		e.manualMu.Lock()
		st, ok := e.manual[peer.UUID]
		if !ok {
			st = &manualState{}
			e.manual[peer.UUID] = st
		}
		cooling := now.Before(st.cooldownUntil)
		e.manualMu.Unlock()
		if cooling {
			continue
		}

		err := e.cfg.Connector.Probe(ctx, peer.UUID)

		e.manualMu.Lock()
		if err == nil {
			st.failures = 0
		} else {
			st.failures++
			if st.failures >= e.timing.ManualMaxAttempts {
				st.failures = 0
				st.cooldownUntil = time.Now().Add(e.timing.ManualCooldown.Std())
				e.log.Info("manual connect cooling down", "peer", peer.UUID, "until", st.cooldownUntil.Format(time.RFC3339))
			}
		}
		e.manualMu.Unlock()
		if err != nil {
			e.log.Debug("manual connect failed", "peer", peer.UUID, "err", err)
		}
	}
}

func (e *Engine) reconnectAll(ctx context.Context) {
	first := true
	for _, peer := range e.cfg.Registry.TrustedPeers() {
		if !peer.Accepted || e.cfg.Registry.IsHeartbeating(peer.UUID) {
			continue
		}
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.timing.ReconnectStagger.Std()):
			}
		}
		first = false
		if ctx.Err() != nil {
			return
		}
		if err := e.cfg.Connector.Reconnect(ctx, peer.UUID); err != nil {
			e.log.Debug("reconnect after network change failed", "peer", peer.UUID, "err", err)
		}
	}
}

func (e *Engine) listenLoop() {
	defer e.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Debug("discovery read failed", "err", err)
			continue
		}
		if !e.limiter.Allow(addr) {
			continue
		}
		e.handleDatagram(strings.TrimSpace(string(buf[:n])), addr)
	}
}

func (e *Engine) handleDatagram(line string, addr *net.UDPAddr) {
	switch protocol.Classify(line) {
	case protocol.KindDiscover:
		d, err := protocol.ParseDiscover(line)
		if err != nil {
			e.log.Debug("dropping malformed discover", "from", addr.String(), "err", err)
			return
		}
		e.observe(models.Presence{
			UUID:        d.UUID,
			DisplayName: d.DisplayName,
			IP:          addr.IP.String(),
			Port:        d.Port,
			BatteryHint: models.BatteryUnknown,
			Source:      models.SourceBroadcast,
		})
	case protocol.KindHeartbeat:
		hb, err := protocol.ParseHeartbeat(line)
		if err != nil {
			e.log.Debug("dropping malformed heartbeat", "from", addr.String(), "err", err)
			return
		}
		e.cfg.Connector.HandleHeartbeat(hb, addr)
	default:
		e.log.Debug("dropping unknown datagram", "from", addr.String())
	}
}

func (e *Engine) observe(p models.Presence) {
	if p.UUID == e.cfg.SelfUUID {
		return
	}
	e.cfg.Registry.ObservePresence(p)
	if e.cfg.Registry.IsAccepted(p.UUID) && !e.cfg.Registry.IsHeartbeating(p.UUID) {
		e.cfg.Connector.ConnectIfTrusted(p.UUID)
	}
}

func (e *Engine) sendDatagram(addr *net.UDPAddr, line string) error {
	if e.conn == nil {
		return net.ErrClosed
	}
	return protocol.SendDatagram(e.conn, addr, line)
}

// scanTargets lists unicast hosts of the Wi-Fi Direct subnet and any extra
// subnets, skipping local addresses.
func scanTargets(state NetworkState, extra []string) []net.IP {
	local := make(map[string]struct{}, len(state.Addresses))
	for _, addr := range state.Addresses {
		local[addr.IP.String()] = struct{}{}
	}

	subnets := []*net.IPNet{wifiDirectSubnet}
	for _, raw := range extra {
		_, network, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil || network.IP.To4() == nil {
			slog.Warn("ignoring scan subnet", "subnet", raw)
			continue
		}
		subnets = append(subnets, network)
	}

	seen := make(map[string]struct{})
	out := make([]net.IP, 0, 256)
	for _, network := range subnets {
		for _, ip := range subnetHosts(network) {
			key := ip.String()
			if _, ok := local[key]; ok {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, ip)
		}
	}
	return out
}

func subnetHosts(network *net.IPNet) []net.IP {
	base := network.IP.To4()
	ones, bits := network.Mask.Size()
	if base == nil || bits != 32 {
		return nil
	}
	size := 1 << uint(bits-ones)
	start, end := 1, size-1
	if size <= 2 {
		start, end = 0, size
	}
	if end-start > maxScanHostsPerSubnet {
		end = start + maxScanHostsPerSubnet
	}

	baseValue := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	hosts := make([]net.IP, 0, end-start)
	for i := start; i < end; i++ {
		v := baseValue + uint32(i)
		hosts = append(hosts, net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).To4())
	}
	return hosts
}
