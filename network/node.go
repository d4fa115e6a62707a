// Package network runs the trust and transport side of a device: the stream
// listener, the pairing handshake, per-peer keep-alive and the channel router.
//
// Keep-alive heartbeats are sent as single TCP lines to the peer's listen
// port, not as UDP datagrams to its discovery port. Nodes here accept both
// forms, but a peer that only listens for UDP heartbeats never sees ours and
// will let our liveness lapse until a handshake refreshes it.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"devicelink/config"
	"devicelink/crypto"
	"devicelink/discovery"
	"devicelink/models"
	"devicelink/protocol"
	"devicelink/registry"
	"devicelink/storage"
)

var (
	// ErrPeerNotTrusted indicates an operation that needs an accepted trust record.
	ErrPeerNotTrusted = errors.New("network: peer is not trusted")
	// ErrHandshakeRejected indicates the remote side answered REJECT.
	ErrHandshakeRejected = errors.New("network: handshake rejected")
	// ErrMalformedResponse indicates a handshake response that does not parse.
	ErrMalformedResponse = errors.New("network: malformed handshake response")
	// ErrNoAddress indicates no known address for a peer.
	ErrNoAddress = errors.New("network: no known address for peer")
	// ErrPublicKeyMismatch indicates a trusted peer presented a different public key.
	ErrPublicKeyMismatch = errors.New("network: peer public key changed")
	// ErrNotStarted indicates a call that needs a running node.
	ErrNotStarted = errors.New("network: node is not started")
)

// PairingRequest describes an unknown peer asking to pair.
type PairingRequest struct {
	Presence    models.Presence
	PublicKey   string
	Fingerprint string
}

// SecurityEventRecorder persists security-relevant events. *storage.Store
// satisfies it.
type SecurityEventRecorder interface {
	RecordSecurityEvent(eventType, peerDeviceID, remoteAddr, severity string, details map[string]any) error
}

// Options configures a Node.
type Options struct {
	Identity    crypto.Identity
	DisplayName string
	DeviceType  string

	ListenAddress    string
	DiscoveryPort    int
	DiscoveryBindIP  string
	DiscoveryEnabled bool
	MDNSEnabled      bool
	ScanSubnets      []string

	Timing       config.Timing
	StreamLimits protocol.LimiterConfig

	Store   registry.TrustStore
	Events  SecurityEventRecorder
	Network discovery.NetworkSource
	Battery func() int

	// OnPairingRequest is called once per unknown uuid. respond must be called
	// with the user's decision. Without it every unknown peer is rejected.
	OnPairingRequest func(req PairingRequest, respond func(approved bool))
	// OnPeerOffline fires once when a trusted peer cannot be recovered.
	OnPeerOffline func(uuid string)

	sendHeartbeatFn func(ctx context.Context, address, line string) error
}

// Node runs the listener, discovery engine, keep-alive loops and router for
// the local device.
type Node struct {
	opts     Options
	identity crypto.Identity
	timing   config.Timing

	registry  *registry.Registry
	engine    *discovery.Engine
	keepAlive *keepAliveManager
	router    *router
	limiter   *protocol.InboundLimiter

	listener   net.Listener
	listenPort int

	connectGroup singleflight.Group

	approvalMu sync.Mutex
	approvals  map[string]*pendingApproval

	outboundMu sync.Mutex
	outbound   map[string]*outboundDial

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lifeMu    sync.RWMutex
	stopping  bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates options and creates a node. Start binds its sockets.
func New(opts Options) (*Node, error) {
	if strings.TrimSpace(opts.Identity.UUID) == "" {
		return nil, errors.New("identity uuid is required")
	}
	if len(opts.Identity.UUID) != protocol.UUIDLength {
		return nil, fmt.Errorf("identity uuid %q must be %d characters", opts.Identity.UUID, protocol.UUIDLength)
	}
	if opts.Identity.PrivateKey == nil || opts.Identity.PublicKey == "" {
		return nil, errors.New("identity key pair is required")
	}
	if strings.TrimSpace(opts.DisplayName) == "" {
		opts.DisplayName = opts.Identity.UUID[:8]
	}
	opts.DeviceType = strings.ToLower(strings.TrimSpace(opts.DeviceType))
	if opts.DeviceType == "" {
		opts.DeviceType = config.DefaultDeviceType
	}
	for _, r := range opts.DeviceType {
		if r < 'a' || r > 'z' {
			return nil, fmt.Errorf("device type %q must be lowercase letters", opts.DeviceType)
		}
	}
	if opts.ListenAddress == "" {
		opts.ListenAddress = fmt.Sprintf(":%d", config.DefaultListeningPort)
	}
	if opts.StreamLimits.PerSecond <= 0 {
		opts.StreamLimits = protocol.DefaultStreamLimits()
	}
	if opts.Battery == nil {
		opts.Battery = func() int { return models.BatteryUnknown }
	}

	timing := opts.Timing.WithDefaults()
	n := &Node{
		opts:     opts,
		identity: opts.Identity,
		timing:   timing,
		registry: registry.New(registry.Options{
			SelfUUID:         opts.Identity.UUID,
			Store:            opts.Store,
			DiscoveryWindow:  timing.DiscoveryWindow.Std(),
			HeartbeatTimeout: timing.HeartbeatTimeout.Std(),
		}),
		limiter:   protocol.NewInboundLimiter(opts.StreamLimits),
		approvals: make(map[string]*pendingApproval),
		outbound:  make(map[string]*outboundDial),
	}
	n.keepAlive = newKeepAliveManager(n)
	n.router = newRouter(n)
	return n, nil
}

// Start loads persisted trust, binds the stream listener and the discovery
// socket, and starts every background loop. Bind failures are returned.
func (n *Node) Start() error {
	var startErr error
	n.startOnce.Do(func() {
		startErr = n.start()
	})
	return startErr
}

func (n *Node) start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.registry.LoadPersisted(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", n.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", n.opts.ListenAddress, err)
	}
	n.listener = listener
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		n.listenPort = tcpAddr.Port
	}

	engine, err := discovery.NewEngine(discovery.EngineConfig{
		SelfUUID:         n.identity.UUID,
		DisplayName:      n.opts.DisplayName,
		DeviceType:       n.opts.DeviceType,
		ListenPort:       n.listenPort,
		DiscoveryPort:    n.opts.DiscoveryPort,
		BindIP:           n.opts.DiscoveryBindIP,
		DiscoveryEnabled: n.opts.DiscoveryEnabled,
		MDNSEnabled:      n.opts.MDNSEnabled,
		KeyFingerprint:   crypto.KeyFingerprint(n.identity.PublicKey),
		ScanSubnets:      n.opts.ScanSubnets,
		Timing:           n.timing,
		Registry:         n.registry,
		Connector:        n,
		Network:          n.opts.Network,
	})
	if err != nil {
		_ = listener.Close()
		return err
	}
	n.engine = engine

	n.spawn(n.acceptLoop)

	if err := engine.Start(n.ctx); err != nil {
		n.cancel()
		_ = listener.Close()
		n.wg.Wait()
		return err
	}

	n.spawn(n.keepAlive.sweepLoop)
	n.spawn(n.refreshLoop)

	slog.Info("node started",
		"device_id", n.identity.UUID,
		"listen", listener.Addr().String(),
		"discovery", engine.LocalAddr().String(),
	)
	return nil
}

// Stop halts every loop, closes sockets and waits for in-flight work.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel == nil {
			return
		}

		n.lifeMu.Lock()
		n.stopping = true
		n.lifeMu.Unlock()

		n.cancel()
		if n.listener != nil {
			_ = n.listener.Close()
		}
		if n.engine != nil {
			n.engine.Stop()
		}
		n.registry.StopAllHeartbeats()
		n.wg.Wait()
		slog.Info("node stopped", "device_id", n.identity.UUID)
	})
}

// Addr returns the stream listener address.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// DiscoveryAddr returns the bound discovery socket address.
func (n *Node) DiscoveryAddr() net.Addr {
	if n.engine == nil {
		return nil
	}
	return n.engine.LocalAddr()
}

// UUID returns the local device uuid.
func (n *Node) UUID() string {
	return n.identity.UUID
}

// ListDevices returns the derived device list keyed by uuid.
func (n *Node) ListDevices() map[string]models.Device {
	return n.registry.Devices()
}

// AuthenticatedOnlineCount returns the number of accepted peers that are online.
func (n *Node) AuthenticatedOnlineCount() int {
	return n.registry.AuthenticatedOnlineCount()
}

// TrustedPeers returns a copy of the trust table.
func (n *Node) TrustedPeers() []models.PeerTrust {
	return n.registry.TrustedPeers()
}

// OnDeviceListChanged registers fn for device list changes.
func (n *Node) OnDeviceListChanged(fn func()) (unsubscribe func()) {
	return n.registry.Subscribe(fn)
}

// RemovePeer unpairs uuid. Removing an unknown peer is a no-op.
func (n *Node) RemovePeer(uuid string) error {
	_, known := n.registry.Trust(uuid)
	if err := n.registry.RemovePeer(uuid); err != nil {
		return fmt.Errorf("remove peer %s: %w", uuid, err)
	}
	if known {
		n.recordSecurityEvent(storage.EventPeerUnpaired, uuid, "", storage.SecuritySeverityInfo, nil)
		slog.Info("peer unpaired", "peer", uuid)
	}
	return nil
}

// Unreject removes uuid from the rejected set so it may prompt again.
func (n *Node) Unreject(uuid string) (bool, error) {
	return n.registry.Unreject(uuid)
}

// SetDiscoveryEnabled switches between automatic discovery and manual mode.
func (n *Node) SetDiscoveryEnabled(enabled bool) {
	if n.engine == nil {
		n.opts.DiscoveryEnabled = enabled
		return
	}
	n.engine.SetDiscoveryEnabled(enabled)
}

// RegisterChannelHandler routes decrypted payloads with header to handler.
func (n *Node) RegisterChannelHandler(header string, handler ChannelHandler) error {
	return n.router.register(header, handler)
}

// UnregisterChannelHandler removes the handler for header.
func (n *Node) UnregisterChannelHandler(header string) {
	n.router.unregister(header)
}

// SendEncrypted seals plaintext with the shared secret of uuid and sends it as
// one data line. Delivery is a single best-effort attempt.
func (n *Node) SendEncrypted(ctx context.Context, uuid, header string, plaintext []byte, timeout time.Duration) error {
	if err := protocol.ValidateHeader(header); err != nil {
		return err
	}
	trust, ok := n.registry.Trust(uuid)
	if !ok || !trust.Accepted {
		return fmt.Errorf("send to %s: %w", uuid, ErrPeerNotTrusted)
	}
	address, err := n.resolveAddress(uuid)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = n.timing.ConnectTimeout.Std()
	}

	sealed, err := crypto.SealString(trust.SharedSecret, plaintext)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	line := protocol.Data{
		Header:    header,
		UUID:      n.identity.UUID,
		PublicKey: n.identity.PublicKey,
		Payload:   sealed,
	}.Encode()
	if err := protocol.SendLine(ctx, address, line, timeout); err != nil {
		return fmt.Errorf("send %s to %s: %w", header, uuid, err)
	}
	return nil
}

// ConnectIfTrusted starts a background Connect when uuid is accepted and not
// heartbeating.
func (n *Node) ConnectIfTrusted(uuid string) {
	if !n.registry.IsAccepted(uuid) || n.registry.IsHeartbeating(uuid) {
		return
	}
	n.spawn(func() {
		if err := n.Connect(n.ctx, uuid); err != nil {
			slog.Debug("connect to trusted peer failed", "peer", uuid, "err", err)
		}
	})
}

// Reconnect runs one Connect toward a trusted peer.
func (n *Node) Reconnect(ctx context.Context, uuid string) error {
	if !n.registry.IsAccepted(uuid) {
		return fmt.Errorf("reconnect %s: %w", uuid, ErrPeerNotTrusted)
	}
	return n.Connect(ctx, uuid)
}

// Probe sends an encrypted probe to a trusted peer's last known address and
// then handshakes with it.
func (n *Node) Probe(ctx context.Context, uuid string) error {
	trust, ok := n.registry.Trust(uuid)
	if !ok || !trust.Accepted {
		return fmt.Errorf("probe %s: %w", uuid, ErrPeerNotTrusted)
	}
	address, err := n.resolveAddress(uuid)
	if err != nil {
		return err
	}

	sealed, err := crypto.SealString(trust.SharedSecret, []byte(protocol.Probe{
		UUID: n.identity.UUID,
		Port: n.listenPort,
	}.Encode()))
	if err != nil {
		return fmt.Errorf("seal probe: %w", err)
	}
	if err := protocol.SendLine(ctx, address, sealed, n.timing.ConnectTimeout.Std()); err != nil {
		return fmt.Errorf("probe %s: %w", uuid, err)
	}
	return n.Connect(ctx, uuid)
}

// HandleHeartbeat processes a heartbeat from an accepted peer. Heartbeats from
// anyone else are dropped. A heartbeat names its sender but proves nothing, so
// it moves presence and liveness only; the persisted endpoint is left to the
// handshake.
func (n *Node) HandleHeartbeat(hb protocol.Heartbeat, remote net.Addr) {
	trust, ok := n.registry.Trust(hb.UUID)
	if !ok || !trust.Accepted {
		slog.Debug("dropping heartbeat from untrusted sender", "peer", hb.UUID, "remote", addrString(remote))
		return
	}

	now := time.Now()
	ip := protocol.SourceIP(remote)
	n.registry.ObservePresence(models.Presence{
		UUID:        hb.UUID,
		DisplayName: trust.DisplayName,
		IP:          ip,
		Port:        trust.LastPort,
		BatteryHint: hb.Battery,
		DeviceType:  hb.DeviceType,
		Source:      models.SourceHeartbeat,
		SeenAt:      now,
	})
	n.registry.TouchLiveness(hb.UUID, now)

	n.ConnectIfTrusted(hb.UUID)
}

// resolveAddress prefers the freshest presence over the persisted endpoint.
func (n *Node) resolveAddress(uuid string) (string, error) {
	trust, trusted := n.registry.Trust(uuid)
	if presence, ok := n.registry.Presence(uuid); ok && presence.IP != "" {
		port := presence.Port
		if port == 0 && trusted {
			port = trust.LastPort
		}
		if port > 0 {
			return protocol.JoinHostPort(presence.IP, port), nil
		}
	}
	if trusted && trust.LastIP != "" && trust.LastPort > 0 {
		return protocol.JoinHostPort(trust.LastIP, trust.LastPort), nil
	}
	return "", fmt.Errorf("resolve %s: %w", uuid, ErrNoAddress)
}

func (n *Node) localHello() protocol.Hello {
	ip := ""
	if n.engine != nil {
		ip = n.engine.NetworkState().LocalIP()
	}
	if ip == "" && n.listener != nil {
		if tcpAddr, ok := n.listener.Addr().(*net.TCPAddr); ok && !tcpAddr.IP.IsUnspecified() {
			ip = tcpAddr.IP.String()
		}
	}
	return protocol.Hello{
		UUID:        n.identity.UUID,
		PublicKey:   n.identity.PublicKey,
		IP:          ip,
		Battery:     n.opts.Battery(),
		DeviceType:  n.opts.DeviceType,
		Port:        n.listenPort,
		DisplayName: n.opts.DisplayName,
	}
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("accept connection failed", "err", err)
			continue
		}

		if !n.limiter.Allow(conn.RemoteAddr()) {
			slog.Debug("inbound connection rate limited", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		if !n.spawn(func() { n.router.handleConn(conn) }) {
			_ = conn.Close()
			return
		}
	}
}

// refreshLoop re-derives the device list so time-based online transitions
// reach observers.
func (n *Node) refreshLoop() {
	ticker := time.NewTicker(n.timing.DeviceListRefresh.Std())
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.registry.Refresh()
		}
	}
}

// spawn runs fn on a tracked goroutine unless the node is stopping.
func (n *Node) spawn(fn func()) bool {
	n.lifeMu.RLock()
	defer n.lifeMu.RUnlock()
	if n.stopping {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) recordSecurityEvent(eventType, peerID, remote, severity string, details map[string]any) {
	slog.Warn("security event", "event", eventType, "peer", peerID, "remote", remote, "severity", severity)
	if n.opts.Events == nil {
		return
	}
	if err := n.opts.Events.RecordSecurityEvent(eventType, peerID, remote, severity, details); err != nil {
		slog.Error("record security event failed", "event", eventType, "err", err)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func hostOf(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
