package network

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"devicelink/models"
	"devicelink/protocol"
	"devicelink/storage"
)

func TestNewValidatesOptions(t *testing.T) {
	identity := newTestIdentity(t, uuidA)

	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing uuid", opts: Options{}},
		{name: "short uuid", opts: Options{Identity: newTestIdentity(t, "abc")}},
		{name: "missing key", opts: func() Options {
			id := identity
			id.PrivateKey = nil
			return Options{Identity: id}
		}()},
		{name: "bad device type", opts: Options{Identity: identity, DeviceType: "smart-tv"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts); err == nil {
				t.Fatalf("expected New to fail")
			}
		})
	}

	node, err := New(Options{Identity: identity, DeviceType: " Phone "})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if node.opts.DeviceType != "phone" || node.opts.DisplayName != uuidA[:8] {
		t.Fatalf("unexpected normalized options %+v", node.opts)
	}
}

func TestOperationsBeforeStartFail(t *testing.T) {
	node, err := New(Options{Identity: newTestIdentity(t, uuidA)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := node.Connect(context.Background(), uuidB); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if _, err := node.PairAddress(context.Background(), "127.0.0.1", 1); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	node.Stop()
}

func TestSendEncryptedReachesPairedPeer(t *testing.T) {
	var prompts int32
	a := newTestNode(t, testNodeConfig{uuid: uuidA, name: "Laptop"})
	b := newTestNode(t, testNodeConfig{uuid: uuidB, name: "Phone", approve: approveAll(&prompts)})

	received := make(chan receivedPayload, 1)
	if err := b.node.RegisterChannelHandler("CLIPBOARD", func(sender string, payload []byte) {
		received <- receivedPayload{sender: sender, payload: string(payload)}
	}); err != nil {
		t.Fatalf("RegisterChannelHandler failed: %v", err)
	}
	pair(t, a, b)

	if err := a.node.SendEncrypted(context.Background(), uuidB, "CLIPBOARD", []byte("copied text"), time.Second); err != nil {
		t.Fatalf("SendEncrypted failed: %v", err)
	}
	select {
	case got := <-received:
		if got.sender != uuidA || got.payload != "copied text" {
			t.Fatalf("unexpected delivery %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("payload was not delivered")
	}
}

func TestSendEncryptedRequiresTrust(t *testing.T) {
	a := newTestNode(t, testNodeConfig{uuid: uuidA, name: "Laptop"})
	err := a.node.SendEncrypted(context.Background(), uuidB, "CLIPBOARD", []byte("x"), time.Second)
	if !errors.Is(err, ErrPeerNotTrusted) {
		t.Fatalf("expected ErrPeerNotTrusted, got %v", err)
	}
	if err := a.node.SendEncrypted(context.Background(), uuidB, "HEARTBEAT", []byte("x"), time.Second); !errors.Is(err, protocol.ErrReservedHeader) {
		t.Fatalf("expected ErrReservedHeader, got %v", err)
	}
}

func TestHeartbeatFromUntrustedPeerIsDropped(t *testing.T) {
	a := newTestNode(t, testNodeConfig{uuid: uuidA, name: "Laptop"})

	sendRaw(t, a.address(), protocol.Heartbeat{UUID: uuidX, Battery: 50, DeviceType: "phone"}.Encode())
	time.Sleep(100 * time.Millisecond)

	if _, ok := a.node.registry.Presence(uuidX); ok {
		t.Fatalf("untrusted heartbeat must not create presence")
	}
	if _, ok := a.node.registry.LastSeen(uuidX); ok {
		t.Fatalf("untrusted heartbeat must not touch liveness")
	}
}

func TestHeartbeatFromTrustedPeerMarksOnline(t *testing.T) {
	a := newTestNode(t, testNodeConfig{uuid: uuidA, name: "Laptop"})
	trustPeerX(t, a)

	if a.node.AuthenticatedOnlineCount() != 0 {
		t.Fatalf("peer should start offline")
	}
	sendRaw(t, a.address(), protocol.Heartbeat{UUID: uuidX, Battery: 64, DeviceType: "tablet"}.Encode())

	waitForCondition(t, 2*time.Second, func() bool {
		device, ok := a.node.ListDevices()[uuidX]
		return ok && device.Online && device.Trusted && device.Presence.BatteryHint == 64
	})
	p, _ := a.node.registry.Presence(uuidX)
	if p.Source != models.SourceHeartbeat || p.IP != "127.0.0.1" {
		t.Fatalf("unexpected presence %+v", p)
	}
}

func TestHeartbeatDoesNotRewritePersistedEndpoint(t *testing.T) {
	a := newTestNode(t, testNodeConfig{uuid: uuidA, name: "Laptop"})
	trustPeerX(t, a)
	trust, _ := a.node.registry.Trust(uuidX)
	trust.LastIP = "192.168.1.50"
	if err := a.node.registry.UpsertTrust(trust); err != nil {
		t.Fatalf("UpsertTrust failed: %v", err)
	}

	sendRaw(t, a.address(), protocol.Heartbeat{UUID: uuidX, Battery: 30, DeviceType: "tablet"}.Encode())
	waitForCondition(t, 2*time.Second, func() bool {
		p, ok := a.node.registry.Presence(uuidX)
		return ok && p.Source == models.SourceHeartbeat
	})

	persisted, err := a.store.GetTrustedPeer(uuidX)
	if err != nil {
		t.Fatalf("GetTrustedPeer failed: %v", err)
	}
	if persisted.LastIP != "192.168.1.50" {
		t.Fatalf("heartbeat rewrote persisted address to %q", persisted.LastIP)
	}
	if got, _ := a.node.registry.Trust(uuidX); got.LastIP != "192.168.1.50" {
		t.Fatalf("heartbeat rewrote trusted address to %q", got.LastIP)
	}
}

func TestDeviceListChangeNotifiesSubscribers(t *testing.T) {
	a := newTestNode(t, testNodeConfig{uuid: uuidA, name: "Laptop"})

	var notified int32
	unsubscribe := a.node.OnDeviceListChanged(func() {
		atomic.AddInt32(&notified, 1)
	})
	defer unsubscribe()

	trustPeerX(t, a)
	waitForCondition(t, time.Second, func() bool {
		return atomic.LoadInt32(&notified) > 0
	})
}

func TestRemovePeerRecordsUnpairEvent(t *testing.T) {
	a := newTestNode(t, testNodeConfig{uuid: uuidA, name: "Laptop"})
	trustPeerX(t, a)

	if err := a.node.RemovePeer(uuidX); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	if err := a.node.RemovePeer(uuidX); err != nil {
		t.Fatalf("second RemovePeer failed: %v", err)
	}
	if len(a.node.TrustedPeers()) != 0 {
		t.Fatalf("trust table should be empty")
	}
	if events := securityEvents(t, a, storage.EventPeerUnpaired); len(events) != 1 {
		t.Fatalf("expected one peer_unpaired event, got %d", len(events))
	}
	if _, err := a.store.GetTrustedPeer(uuidX); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for removed peer, got %v", err)
	}
}

func TestTrustSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	identity := newTestIdentity(t, uuidA)
	start := func() *Node {
		node, err := New(Options{
			Identity:        identity,
			ListenAddress:   "127.0.0.1:0",
			DiscoveryBindIP: "127.0.0.1",
			Timing:          testTiming(),
			Store:           store,
			Events:          store,
			Network:         offlineNetwork{},
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := node.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		return node
	}

	first := start()
	if err := first.registry.UpsertTrust(models.PeerTrust{
		UUID:         uuidB,
		PublicKey:    newTestIdentity(t, uuidB).PublicKey,
		SharedSecret: make([]byte, 32),
		Accepted:     true,
		DisplayName:  "Phone",
	}); err != nil {
		t.Fatalf("UpsertTrust failed: %v", err)
	}
	if err := first.registry.Reject(uuidX); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	first.Stop()

	second := start()
	defer second.Stop()
	if !second.registry.IsAccepted(uuidB) {
		t.Fatalf("trusted peer lost across restart")
	}
	if !second.registry.IsRejected(uuidX) {
		t.Fatalf("rejected peer lost across restart")
	}
}
