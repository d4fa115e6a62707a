package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devicelink/config"
	"devicelink/models"
	"devicelink/protocol"
	"devicelink/registry"
)

const (
	engineSelf  = "11111111-1111-1111-1111-111111111111"
	enginePeerA = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	enginePeerB = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	engineOther = "cccccccc-cccc-cccc-cccc-cccccccccccc"
)

type fakeNetwork struct {
	mu      sync.Mutex
	current NetworkState
	changes chan NetworkState
}

func newFakeNetwork(initial NetworkState) *fakeNetwork {
	return &fakeNetwork{current: initial, changes: make(chan NetworkState, 4)}
}

func (n *fakeNetwork) Start(context.Context) {}
func (n *fakeNetwork) Stop()                 {}

func (n *fakeNetwork) Changes() <-chan NetworkState { return n.changes }

func (n *fakeNetwork) Current() NetworkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *fakeNetwork) push(state NetworkState) {
	n.mu.Lock()
	n.current = state
	n.mu.Unlock()
	n.changes <- state
}

type fakeConnector struct {
	mu         sync.Mutex
	connects   []string
	reconnects map[string]int
	heartbeats []protocol.Heartbeat
	probes     int32
	probeErr   error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{reconnects: make(map[string]int)}
}

func (c *fakeConnector) ConnectIfTrusted(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, uuid)
}

func (c *fakeConnector) Reconnect(_ context.Context, uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects[uuid]++
	return nil
}

func (c *fakeConnector) Probe(context.Context, string) error {
	atomic.AddInt32(&c.probes, 1)
	return c.probeErr
}

func (c *fakeConnector) HandleHeartbeat(hb protocol.Heartbeat, _ net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, hb)
}

func (c *fakeConnector) connectCount(uuid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, id := range c.connects {
		if id == uuid {
			count++
		}
	}
	return count
}

func (c *fakeConnector) reconnectCount(uuid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects[uuid]
}

type sentDatagrams struct {
	mu      sync.Mutex
	targets []string
}

func (s *sentDatagrams) send(addr *net.UDPAddr, line string) error {
	if !strings.HasPrefix(line, protocol.PrefixDiscover+":"+engineSelf) {
		return errors.New("unexpected line " + line)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, addr.IP.String())
	return nil
}

func (s *sentDatagrams) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = nil
}

func (s *sentDatagrams) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

func regularState(ip, cidr string) NetworkState {
	_, network, _ := net.ParseCIDR(cidr)
	return NetworkState{
		Mode:      NetworkRegular,
		Addresses: []InterfaceAddr{{Interface: "eth0", IP: net.ParseIP(ip).To4(), Net: network}},
	}
}

func wifiDirectState(ip string) NetworkState {
	_, network, _ := net.ParseCIDR("192.168.49.0/24")
	return NetworkState{
		Mode:      NetworkWiFiDirect,
		Addresses: []InterfaceAddr{{Interface: "p2p-wlan0-0", IP: net.ParseIP(ip).To4(), Net: network}},
	}
}

func newTestEngine(t *testing.T, reg *registry.Registry, conn *fakeConnector, network NetworkSource, sent *sentDatagrams, mutate func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{
		SelfUUID:         engineSelf,
		DisplayName:      "Laptop",
		DeviceType:       "desktop",
		ListenPort:       4100,
		BindIP:           "127.0.0.1",
		DiscoveryEnabled: true,
		Timing: config.Timing{
			BroadcastInterval: config.Duration(20 * time.Millisecond),
			ManualInterval:    config.Duration(20 * time.Millisecond),
			ReconnectStagger:  config.Duration(time.Millisecond),
			ScanRate:          100000,
		},
		Registry:  reg,
		Connector: conn,
		Network:   network,
		sendFn:    sent.send,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

func trustedRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{SelfUUID: engineSelf})
	for _, id := range ids {
		if err := reg.UpsertTrust(models.PeerTrust{UUID: id, Accepted: true, LastIP: "10.9.0.20", LastPort: 4200}); err != nil {
			t.Fatalf("UpsertTrust failed: %v", err)
		}
	}
	return reg
}

func TestEngineListenerRecordsPresenceAndRoutesHeartbeats(t *testing.T) {
	reg := trustedRegistry(t, enginePeerA)
	conn := newFakeConnector()
	sent := &sentDatagrams{}
	engine := newTestEngine(t, reg, conn, newFakeNetwork(regularState("10.9.0.5", "10.9.0.0/24")), sent, nil)

	client, err := net.DialUDP("udp4", nil, engine.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial discovery socket: %v", err)
	}
	defer client.Close()

	send := func(line string) {
		if _, err := client.Write([]byte(line)); err != nil {
			t.Fatalf("write datagram: %v", err)
		}
	}

	send(protocol.Discover{UUID: enginePeerA, DisplayName: "Phone", Port: 4000}.Encode())
	send(protocol.Discover{UUID: engineOther, DisplayName: "Stranger", Port: 4001}.Encode())
	send(protocol.Discover{UUID: engineSelf, DisplayName: "Echo", Port: 4100}.Encode())
	send(protocol.Heartbeat{UUID: enginePeerA, Battery: 42, DeviceType: "phone"}.Encode())

	waitForCondition(t, 2*time.Second, func() bool {
		presence, ok := reg.Presence(enginePeerA)
		return ok && presence.IP == "127.0.0.1" && presence.Port == 4000 && conn.connectCount(enginePeerA) == 1
	})
	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := reg.Presence(engineOther)
		return ok
	})
	waitForCondition(t, 2*time.Second, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.heartbeats) == 1 && conn.heartbeats[0].Battery == 42
	})

	if conn.connectCount(engineOther) != 0 {
		t.Fatalf("untrusted peer must not trigger a connect")
	}
	if _, ok := reg.Presence(engineSelf); ok {
		t.Fatalf("own discover line must be ignored")
	}
}

func TestEngineBroadcastsToSubnet(t *testing.T) {
	reg := trustedRegistry(t)
	sent := &sentDatagrams{}
	engine := newTestEngine(t, reg, newFakeConnector(), newFakeNetwork(regularState("10.9.0.5", "10.9.0.0/24")), sent, nil)

	waitForCondition(t, time.Second, func() bool {
		return len(sent.snapshot()) >= 2
	})
	for _, target := range sent.snapshot() {
		if target != "10.9.0.255" {
			t.Fatalf("unexpected broadcast target %s", target)
		}
	}
	if engine.Strategy() != StrategyBroadcast {
		t.Fatalf("expected broadcast strategy, got %s", engine.Strategy())
	}
}

func TestEngineSwitchesToScanOnWiFiDirect(t *testing.T) {
	reg := trustedRegistry(t, enginePeerA, enginePeerB)
	conn := newFakeConnector()
	sent := &sentDatagrams{}
	network := newFakeNetwork(regularState("10.9.0.5", "10.9.0.0/24"))
	engine := newTestEngine(t, reg, conn, network, sent, nil)

	waitForCondition(t, time.Second, func() bool {
		return conn.reconnectCount(enginePeerA) == 1 && conn.reconnectCount(enginePeerB) == 1
	})

	network.push(wifiDirectState("192.168.49.7"))
	waitForCondition(t, time.Second, func() bool {
		return engine.Strategy() == StrategyScan
	})
	sent.reset()

	waitForCondition(t, 2*time.Second, func() bool {
		return len(sent.snapshot()) >= 253
	})
	for _, target := range sent.snapshot() {
		if target == "10.9.0.255" {
			t.Fatalf("subnet broadcast continued after switching to wifi direct")
		}
		if target == "192.168.49.7" {
			t.Fatalf("scan must skip the local address")
		}
		if !strings.HasPrefix(target, "192.168.49.") {
			t.Fatalf("unexpected scan target %s", target)
		}
	}

	waitForCondition(t, time.Second, func() bool {
		return conn.reconnectCount(enginePeerA) == 2 && conn.reconnectCount(enginePeerB) == 2
	})
	time.Sleep(100 * time.Millisecond)
	if conn.reconnectCount(enginePeerA) != 2 || conn.reconnectCount(enginePeerB) != 2 {
		t.Fatalf("expected exactly one reconnect per trusted peer after the switch")
	}
}

func TestEngineManualModeCoolsDownAfterFailures(t *testing.T) {
	reg := trustedRegistry(t, enginePeerA)
	conn := newFakeConnector()
	conn.probeErr = errors.New("connection refused")
	sent := &sentDatagrams{}
	engine := newTestEngine(t, reg, conn, newFakeNetwork(regularState("10.9.0.5", "10.9.0.0/24")), sent, func(cfg *EngineConfig) {
		cfg.DiscoveryEnabled = false
		cfg.Timing.ManualMaxAttempts = 2
		cfg.Timing.ManualCooldown = config.Duration(time.Hour)
	})

	if engine.Strategy() != StrategyManual {
		t.Fatalf("expected manual strategy, got %s", engine.Strategy())
	}
	waitForCondition(t, time.Second, func() bool {
		return atomic.LoadInt32(&conn.probes) == 2
	})
	time.Sleep(120 * time.Millisecond)
	if got := atomic.LoadInt32(&conn.probes); got != 2 {
		t.Fatalf("expected probing to pause during cooldown, got %d probes", got)
	}
	if len(sent.snapshot()) != 0 {
		t.Fatalf("manual mode must not broadcast")
	}

	engine.SetDiscoveryEnabled(true)
	if engine.Strategy() != StrategyBroadcast {
		t.Fatalf("expected broadcast after enabling discovery, got %s", engine.Strategy())
	}
}

func TestEngineIdleWithoutNetwork(t *testing.T) {
	reg := trustedRegistry(t, enginePeerA)
	conn := newFakeConnector()
	sent := &sentDatagrams{}
	engine := newTestEngine(t, reg, conn, newFakeNetwork(NetworkState{}), sent, nil)

	time.Sleep(60 * time.Millisecond)
	if engine.Strategy() != StrategyIdle {
		t.Fatalf("expected idle strategy, got %s", engine.Strategy())
	}
	if len(sent.snapshot()) != 0 || conn.reconnectCount(enginePeerA) != 0 {
		t.Fatalf("idle engine must not send or reconnect")
	}
}

func TestScanTargetsIncludesExtraSubnets(t *testing.T) {
	targets := scanTargets(wifiDirectState("192.168.49.1"), []string{"10.20.30.0/30", "not-a-cidr"})
	joined := make(map[string]bool, len(targets))
	for _, ip := range targets {
		joined[ip.String()] = true
	}
	if joined["192.168.49.1"] {
		t.Fatalf("local address must be skipped")
	}
	if !joined["192.168.49.254"] || joined["192.168.49.255"] || joined["192.168.49.0"] {
		t.Fatalf("unexpected wifi direct host range")
	}
	if !joined["10.20.30.1"] || !joined["10.20.30.2"] || joined["10.20.30.3"] {
		t.Fatalf("unexpected extra subnet hosts: %v", targets)
	}
	if len(targets) != 253+2 {
		t.Fatalf("expected 255 targets, got %d", len(targets))
	}
}
