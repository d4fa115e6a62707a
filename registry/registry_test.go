package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devicelink/models"
	"devicelink/storage"
)

const (
	selfUUID = "00000000-0000-0000-0000-000000000000"
	peerA    = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	peerB    = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryStore struct {
	mu       sync.Mutex
	peers    []models.PeerTrust
	rejected []string
	writes   int
	failNext error

	failRejected error
}

func (s *memoryStore) ReplaceTrustedPeers(peers []models.PeerTrust) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.peers = append([]models.PeerTrust(nil), peers...)
	s.writes++
	return nil
}

func (s *memoryStore) ListTrustedPeers() ([]models.PeerTrust, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PeerTrust(nil), s.peers...), nil
}

func (s *memoryStore) ReplaceRejected(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRejected != nil {
		err := s.failRejected
		s.failRejected = nil
		return err
	}
	s.rejected = append([]string(nil), ids...)
	return nil
}

func (s *memoryStore) ListRejected() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejected...), nil
}

func newTestRegistry(t *testing.T, store TrustStore) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	reg := New(Options{
		SelfUUID:         selfUUID,
		Store:            store,
		DiscoveryWindow:  6 * time.Second,
		HeartbeatTimeout: 15 * time.Second,
		Now:              clock.Now,
	})
	return reg, clock
}

func acceptedTrust(uuid string) models.PeerTrust {
	return models.PeerTrust{
		UUID:         uuid,
		PublicKey:    "pub-" + uuid,
		SharedSecret: make([]byte, 32),
		Accepted:     true,
		DisplayName:  "peer " + uuid[:4],
		LastIP:       "10.0.0.9",
		LastPort:     23334,
		BatteryHint:  models.BatteryUnknown,
	}
}

func TestAcceptedTrustAndRejectedAreMutuallyExclusive(t *testing.T) {
	store := &memoryStore{}
	reg, _ := newTestRegistry(t, store)

	if err := reg.Reject(peerA); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if !reg.IsRejected(peerA) {
		t.Fatalf("expected peer to be rejected")
	}

	if err := reg.UpsertTrust(acceptedTrust(peerA)); err != nil {
		t.Fatalf("UpsertTrust failed: %v", err)
	}
	if reg.IsRejected(peerA) || !reg.IsAccepted(peerA) {
		t.Fatalf("accepting must clear rejection: rejected=%v accepted=%v", reg.IsRejected(peerA), reg.IsAccepted(peerA))
	}
	if len(store.rejected) != 0 {
		t.Fatalf("expected persisted rejected set to be cleared, got %v", store.rejected)
	}

	if err := reg.Reject(peerA); err != nil {
		t.Fatalf("second Reject failed: %v", err)
	}
	if reg.IsAccepted(peerA) {
		t.Fatalf("rejecting must remove accepted trust")
	}
	if _, ok := reg.Trust(peerA); ok {
		t.Fatalf("expected trust record to be gone")
	}
	if len(store.peers) != 0 {
		t.Fatalf("expected persisted trust table to be empty, got %d", len(store.peers))
	}

	for _, peer := range reg.TrustedPeers() {
		if peer.Accepted && reg.IsRejected(peer.UUID) {
			t.Fatalf("uuid %s is both accepted and rejected", peer.UUID)
		}
	}
}

func TestLoadPersistedResolvesConflictsInFavorOfTrust(t *testing.T) {
	store := &memoryStore{
		peers:    []models.PeerTrust{acceptedTrust(peerA)},
		rejected: []string{peerA, peerB},
	}
	reg, _ := newTestRegistry(t, store)

	if err := reg.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted failed: %v", err)
	}
	if !reg.IsAccepted(peerA) || reg.IsRejected(peerA) {
		t.Fatalf("expected peerA accepted and not rejected")
	}
	if !reg.IsRejected(peerB) {
		t.Fatalf("expected peerB rejected")
	}
	if len(store.rejected) != 1 || store.rejected[0] != peerB {
		t.Fatalf("expected rejected set rewritten to [peerB], got %v", store.rejected)
	}
}

func TestTrustedPeerOnlineFollowsHeartbeatWindow(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)
	if err := reg.UpsertTrust(acceptedTrust(peerA)); err != nil {
		t.Fatalf("UpsertTrust failed: %v", err)
	}

	if reg.Devices()[peerA].Online {
		t.Fatalf("trusted peer without heartbeat must be offline")
	}

	reg.TouchLiveness(peerA, clock.Now())
	if !reg.Devices()[peerA].Online {
		t.Fatalf("expected online immediately after heartbeat")
	}
	if reg.AuthenticatedOnlineCount() != 1 {
		t.Fatalf("expected 1 authenticated online peer, got %d", reg.AuthenticatedOnlineCount())
	}

	clock.Advance(14 * time.Second)
	if !reg.Devices()[peerA].Online {
		t.Fatalf("expected online inside heartbeat timeout")
	}

	clock.Advance(2 * time.Second)
	device, ok := reg.Devices()[peerA]
	if !ok {
		t.Fatalf("trusted peer must never be dropped from the list")
	}
	if device.Online {
		t.Fatalf("expected offline after heartbeat timeout")
	}
	if reg.AuthenticatedOnlineCount() != 0 {
		t.Fatalf("expected no authenticated online peers")
	}
}

func TestUntrustedPeerIsDroppedAfterDiscoveryWindow(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)
	reg.ObservePresence(models.Presence{UUID: peerB, IP: "10.0.0.5", Port: 23334, Source: models.SourceBroadcast})

	device, ok := reg.Devices()[peerB]
	if !ok || !device.Online || device.Trusted {
		t.Fatalf("unexpected fresh untrusted device %+v (listed=%v)", device, ok)
	}

	clock.Advance(7 * time.Second)
	if _, ok := reg.Devices()[peerB]; ok {
		t.Fatalf("expected stale untrusted peer to be dropped")
	}
	if _, ok := reg.Presence(peerB); ok {
		t.Fatalf("expected stale untrusted presence to be pruned")
	}
}

func TestObservePresenceIgnoresSelfAndOlderObservations(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)

	reg.ObservePresence(models.Presence{UUID: selfUUID, IP: "10.0.0.1"})
	if _, ok := reg.Presence(selfUUID); ok {
		t.Fatalf("local device must not appear in presence")
	}

	newer := clock.Now()
	older := newer.Add(-time.Second)
	reg.ObservePresence(models.Presence{UUID: peerA, IP: "10.0.0.8", Port: 1000, DisplayName: "A", SeenAt: newer})
	reg.ObservePresence(models.Presence{UUID: peerA, IP: "10.0.0.7", SeenAt: older})

	p, _ := reg.Presence(peerA)
	if p.IP != "10.0.0.8" {
		t.Fatalf("older observation overwrote newer one: %+v", p)
	}

	reg.ObservePresence(models.Presence{UUID: peerA, IP: "10.0.0.9", BatteryHint: models.BatteryUnknown, SeenAt: newer.Add(time.Second)})
	p, _ = reg.Presence(peerA)
	if p.IP != "10.0.0.9" || p.Port != 1000 || p.DisplayName != "A" {
		t.Fatalf("expected merge of empty fields, got %+v", p)
	}
}

func TestLivenessNeverRegresses(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)

	later := clock.Now()
	earlier := later.Add(-2 * time.Second)

	reg.TouchLiveness(peerA, later)
	reg.TouchLiveness(peerA, earlier)

	got, ok := reg.LastSeen(peerA)
	if !ok || !got.Equal(later) {
		t.Fatalf("expected liveness %v, got %v", later, got)
	}
}

func TestRemovePeerIsIdempotent(t *testing.T) {
	store := &memoryStore{}
	reg, clock := newTestRegistry(t, store)
	if err := reg.UpsertTrust(acceptedTrust(peerA)); err != nil {
		t.Fatalf("UpsertTrust failed: %v", err)
	}
	reg.TouchLiveness(peerA, clock.Now())

	var canceled atomic.Int32
	_, _ = reg.BeginHeartbeat(peerA, func() { canceled.Add(1) })

	if err := reg.RemovePeer(peerA); err != nil {
		t.Fatalf("first RemovePeer failed: %v", err)
	}
	writes := store.writes
	if err := reg.RemovePeer(peerA); err != nil {
		t.Fatalf("second RemovePeer failed: %v", err)
	}

	if canceled.Load() != 1 {
		t.Fatalf("expected heartbeat cancel exactly once, got %d", canceled.Load())
	}
	if reg.IsHeartbeating(peerA) || reg.IsAccepted(peerA) {
		t.Fatalf("expected peer fully removed")
	}
	if _, ok := reg.LastSeen(peerA); ok {
		t.Fatalf("expected liveness cleared")
	}
	if store.writes != writes {
		t.Fatalf("second RemovePeer must not persist again")
	}
}

func TestHeartbeatGenerationGuardsStaleLoops(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	firstCanceled := false
	firstGen, previous := reg.BeginHeartbeat(peerA, func() { firstCanceled = true })
	if previous != nil {
		t.Fatalf("expected no previous loop")
	}

	secondGen, previous := reg.BeginHeartbeat(peerA, func() {})
	if previous == nil {
		t.Fatalf("expected previous cancel func")
	}
	previous()
	if !firstCanceled {
		t.Fatalf("expected previous loop cancel to be returned")
	}

	if reg.EndHeartbeat(peerA, firstGen) {
		t.Fatalf("stale generation must not clear newer loop")
	}
	if !reg.IsHeartbeating(peerA) {
		t.Fatalf("expected peer still heartbeating")
	}
	if !reg.EndHeartbeat(peerA, secondGen) {
		t.Fatalf("expected current generation to clear mark")
	}
	if reg.IsHeartbeating(peerA) {
		t.Fatalf("expected heartbeating cleared")
	}
}

func TestRefreshNotifiesOnlyOnChange(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)

	var calls atomic.Int32
	unsubscribe := reg.Subscribe(func() { calls.Add(1) })

	reg.ObservePresence(models.Presence{UUID: peerB, IP: "10.0.0.5", Port: 1})
	afterFirst := calls.Load()
	if afterFirst == 0 {
		t.Fatalf("expected notification for new device")
	}

	clock.Advance(time.Second)
	reg.ObservePresence(models.Presence{UUID: peerB, IP: "10.0.0.5", Port: 1})
	if reg.Refresh() {
		t.Fatalf("expected no change on identical sighting")
	}
	if calls.Load() != afterFirst {
		t.Fatalf("identical sighting must not notify, got %d calls", calls.Load())
	}

	reg.ObservePresence(models.Presence{UUID: peerB, IP: "10.0.0.6", Port: 1})
	if calls.Load() != afterFirst+1 {
		t.Fatalf("expected exactly one notification for address change, got %d", calls.Load()-afterFirst)
	}

	unsubscribe()
	unsubscribe()
	reg.ObservePresence(models.Presence{UUID: peerB, IP: "10.0.0.7", Port: 1})
	if calls.Load() != afterFirst+1 {
		t.Fatalf("unsubscribed observer must not be called")
	}
}

func TestUpdateTrustEndpointPersistsOnlyDurableChanges(t *testing.T) {
	store := &memoryStore{}
	reg, _ := newTestRegistry(t, store)
	if err := reg.UpsertTrust(acceptedTrust(peerA)); err != nil {
		t.Fatalf("UpsertTrust failed: %v", err)
	}
	writes := store.writes

	if _, err := reg.UpdateTrustEndpoint(peerA, Endpoint{BatteryHint: 40}); err != nil {
		t.Fatalf("UpdateTrustEndpoint battery failed: %v", err)
	}
	if store.writes != writes {
		t.Fatalf("battery-only change must not persist")
	}

	changed, err := reg.UpdateTrustEndpoint(peerA, Endpoint{IP: "10.0.0.44", BatteryHint: models.BatteryUnknown})
	if err != nil || !changed {
		t.Fatalf("UpdateTrustEndpoint ip failed: changed=%v err=%v", changed, err)
	}
	if store.writes != writes+1 {
		t.Fatalf("expected one persisted write for ip change")
	}
	peer, _ := reg.Trust(peerA)
	if peer.LastIP != "10.0.0.44" || peer.BatteryHint != 40 {
		t.Fatalf("unexpected trust after update %+v", peer)
	}

	if _, err := reg.UpdateTrustEndpoint(peerB, Endpoint{IP: "x"}); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestUpsertTrustRollsBackOnPersistFailure(t *testing.T) {
	store := &memoryStore{failNext: errors.New("disk full")}
	reg, _ := newTestRegistry(t, store)

	if err := reg.UpsertTrust(acceptedTrust(peerA)); err == nil {
		t.Fatalf("expected persist error")
	}
	if _, ok := reg.Trust(peerA); ok {
		t.Fatalf("memory must not diverge from disk after failed persist")
	}
}

func TestUpsertTrustKeepsRejectionWhenClearingItFails(t *testing.T) {
	store := &memoryStore{}
	reg, _ := newTestRegistry(t, store)
	if err := reg.Reject(peerA); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	store.failRejected = errors.New("disk full")
	if err := reg.UpsertTrust(acceptedTrust(peerA)); err == nil {
		t.Fatalf("expected persist error")
	}
	if !reg.IsRejected(peerA) || reg.IsAccepted(peerA) {
		t.Fatalf("memory diverged: rejected=%v accepted=%v", reg.IsRejected(peerA), reg.IsAccepted(peerA))
	}
	if len(store.rejected) != 1 || len(store.peers) != 0 {
		t.Fatalf("disk diverged: rejected=%v peers=%d", store.rejected, len(store.peers))
	}

	store.failNext = errors.New("disk full")
	if err := reg.UpsertTrust(acceptedTrust(peerA)); err == nil {
		t.Fatalf("expected trust persist error")
	}
	if reg.IsRejected(peerA) || reg.IsAccepted(peerA) {
		t.Fatalf("memory diverged: rejected=%v accepted=%v", reg.IsRejected(peerA), reg.IsAccepted(peerA))
	}
	if len(store.rejected) != 0 || len(store.peers) != 0 {
		t.Fatalf("disk diverged: rejected=%v peers=%d", store.rejected, len(store.peers))
	}
}

func TestConcurrentRefreshKeepsNewestSnapshot(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				clock.Advance(time.Millisecond)
				reg.ObservePresence(models.Presence{UUID: peerB, IP: "10.0.0.5", Port: 1 + i*50 + j})
				reg.Refresh()
			}
		}(i)
	}
	wg.Wait()

	if reg.Refresh() {
		t.Fatalf("a stale device list was stored after a newer one")
	}
}

func TestRegistryPersistsThroughSQLiteStore(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	reg, _ := newTestRegistry(t, store)
	if err := reg.UpsertTrust(acceptedTrust(peerA)); err != nil {
		t.Fatalf("UpsertTrust failed: %v", err)
	}
	if err := reg.Reject(peerB); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	reloaded, _ := newTestRegistry(t, store)
	if err := reloaded.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted failed: %v", err)
	}
	if !reloaded.IsAccepted(peerA) || !reloaded.IsRejected(peerB) {
		t.Fatalf("expected state to survive reload")
	}
}

func TestStopAllHeartbeatsCancelsLoops(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	reg.BeginHeartbeat(peerA, cancelA)
	reg.BeginHeartbeat(peerB, cancelB)

	reg.StopAllHeartbeats()
	if ctxA.Err() == nil || ctxB.Err() == nil {
		t.Fatalf("expected every loop context canceled")
	}
	if reg.IsHeartbeating(peerA) || reg.IsHeartbeating(peerB) {
		t.Fatalf("expected heartbeating set cleared")
	}
}
