package network

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"devicelink/config"
	"devicelink/crypto"
	"devicelink/discovery"
	"devicelink/protocol"
	"devicelink/storage"
)

const (
	uuidA = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	uuidB = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	uuidX = "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
)

// offlineNetwork keeps the discovery engine idle so tests drive every
// connection explicitly.
type offlineNetwork struct{}

func (offlineNetwork) Start(context.Context)                  {}
func (offlineNetwork) Stop()                                  {}
func (offlineNetwork) Changes() <-chan discovery.NetworkState { return nil }
func (offlineNetwork) Current() discovery.NetworkState        { return discovery.NetworkState{} }

type testNodeConfig struct {
	uuid    string
	name    string
	approve func(PairingRequest, func(bool))
	mutate  func(*Options)
}

type testNode struct {
	node    *Node
	store   *storage.Store
	offline int32
}

func testTiming() config.Timing {
	return config.Timing{
		BroadcastInterval:         config.Duration(time.Second),
		HeartbeatInterval:         config.Duration(40 * time.Millisecond),
		HeartbeatTimeout:          config.Duration(2 * time.Second),
		HeartbeatFailureThreshold: 5,
		ConnectTimeout:            config.Duration(500 * time.Millisecond),
		HandshakeAttempts:         2,
		HandshakeBackoff:          config.Duration(20 * time.Millisecond),
		ApprovalTimeout:           config.Duration(2 * time.Second),
		RecoveryAttempts:          3,
		RecoveryDelay:             config.Duration(20 * time.Millisecond),
		SweepInterval:             config.Duration(time.Hour),
		DeviceListRefresh:         config.Duration(50 * time.Millisecond),
	}
}

func newTestIdentity(t *testing.T, uuid string) crypto.Identity {
	t.Helper()
	key, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return crypto.NewIdentity(uuid, key)
}

func newTestNode(t *testing.T, cfg testNodeConfig) *testNode {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store %s: %v", cfg.name, err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tn := &testNode{store: store}
	opts := Options{
		Identity:        newTestIdentity(t, cfg.uuid),
		DisplayName:     cfg.name,
		DeviceType:      "desktop",
		ListenAddress:   "127.0.0.1:0",
		DiscoveryBindIP: "127.0.0.1",
		Timing:          testTiming(),
		StreamLimits: protocol.LimiterConfig{
			PerSecond: 1000,
			Burst:     1000,
		},
		Store:            store,
		Events:           store,
		Network:          offlineNetwork{},
		Battery:          func() int { return 77 },
		OnPairingRequest: cfg.approve,
		OnPeerOffline: func(string) {
			atomic.AddInt32(&tn.offline, 1)
		},
	}
	if cfg.mutate != nil {
		cfg.mutate(&opts)
	}

	node, err := New(opts)
	if err != nil {
		t.Fatalf("New %s: %v", cfg.name, err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("Start %s: %v", cfg.name, err)
	}
	t.Cleanup(node.Stop)
	tn.node = node
	return tn
}

func (tn *testNode) port() int {
	return tn.node.listenPort
}

func (tn *testNode) address() string {
	return tn.node.Addr().String()
}

func approveAll(prompts *int32) func(PairingRequest, func(bool)) {
	return func(_ PairingRequest, respond func(bool)) {
		atomic.AddInt32(prompts, 1)
		respond(true)
	}
}

func pair(t *testing.T, initiator, responder *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := initiator.node.PairAddress(ctx, "127.0.0.1", responder.port()); err != nil {
		t.Fatalf("PairAddress failed: %v", err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
