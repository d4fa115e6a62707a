// Package registry owns every piece of mutable per-peer state: the trust
// table, the rejected set, presence, liveness and the heartbeating set.
// Each map has its own lock. When trust and rejected must change together
// the trust lock is taken first.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"devicelink/config"
	"devicelink/models"
)

var (
	// ErrUnknownPeer indicates an operation on a uuid without a trust record.
	ErrUnknownPeer = errors.New("registry: unknown peer")
	// ErrSelf indicates an operation targeting the local device.
	ErrSelf = errors.New("registry: operation targets local device")
)

// TrustStore persists the trust table and the rejected set.
type TrustStore interface {
	ReplaceTrustedPeers(peers []models.PeerTrust) error
	ListTrustedPeers() ([]models.PeerTrust, error)
	ReplaceRejected(deviceIDs []string) error
	ListRejected() ([]string, error)
}

// Options configures a Registry.
type Options struct {
	SelfUUID         string
	Store            TrustStore
	DiscoveryWindow  time.Duration
	HeartbeatTimeout time.Duration
	Now              func() time.Time
}

// Endpoint is the mutable address metadata refreshed on every authenticated sighting.
type Endpoint struct {
	IP          string
	Port        int
	DeviceType  string
	DisplayName string
	BatteryHint int
}

type heartbeatLoop struct {
	generation uint64
	cancel     context.CancelFunc
}

// Registry is the single source of truth for peer state.
type Registry struct {
	selfUUID         string
	store            TrustStore
	discoveryWindow  time.Duration
	heartbeatTimeout time.Duration
	now              func() time.Time

	trustMu sync.RWMutex
	trust   map[string]models.PeerTrust

	rejectedMu sync.RWMutex
	rejected   map[string]struct{}

	presenceMu sync.RWMutex
	presence   map[string]models.Presence

	livenessMu sync.RWMutex
	liveness   map[string]time.Time

	heartbeatMu    sync.Mutex
	heartbeating   map[string]heartbeatLoop
	nextGeneration uint64

	observersMu  sync.Mutex
	observers    map[int]func()
	nextObserver int

	snapshotMu   sync.Mutex
	lastDevices  map[string]models.Device
	lastOnline   int
	haveSnapshot bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = 2 * config.DefaultBroadcastInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = config.DefaultHeartbeatTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		selfUUID:         opts.SelfUUID,
		store:            opts.Store,
		discoveryWindow:  opts.DiscoveryWindow,
		heartbeatTimeout: opts.HeartbeatTimeout,
		now:              opts.Now,
		trust:            make(map[string]models.PeerTrust),
		rejected:         make(map[string]struct{}),
		presence:         make(map[string]models.Presence),
		liveness:         make(map[string]time.Time),
		heartbeating:     make(map[string]heartbeatLoop),
		observers:        make(map[int]func()),
	}
}

// LoadPersisted replaces in-memory trust and rejected state with the stored copy.
// A uuid that is both accepted and rejected on disk is kept as accepted.
func (r *Registry) LoadPersisted() error {
	if r.store == nil {
		return nil
	}

	peers, err := r.store.ListTrustedPeers()
	if err != nil {
		return fmt.Errorf("load trusted peers: %w", err)
	}
	rejected, err := r.store.ListRejected()
	if err != nil {
		return fmt.Errorf("load rejected peers: %w", err)
	}

	r.trustMu.Lock()
	defer r.trustMu.Unlock()
	r.rejectedMu.Lock()
	defer r.rejectedMu.Unlock()

	r.trust = make(map[string]models.PeerTrust, len(peers))
	for _, peer := range peers {
		if peer.UUID == "" || peer.UUID == r.selfUUID {
			continue
		}
		r.trust[peer.UUID] = peer
	}

	r.rejected = make(map[string]struct{}, len(rejected))
	conflict := false
	for _, id := range rejected {
		if peer, ok := r.trust[id]; ok && peer.Accepted {
			conflict = true
			continue
		}
		r.rejected[id] = struct{}{}
	}
	if conflict {
		return r.persistRejectedLocked()
	}
	return nil
}

// Trust returns a copy of the trust record for uuid.
func (r *Registry) Trust(uuid string) (models.PeerTrust, bool) {
	r.trustMu.RLock()
	defer r.trustMu.RUnlock()

	peer, ok := r.trust[uuid]
	if !ok {
		return models.PeerTrust{}, false
	}
	return cloneTrust(peer), true
}

// TrustedPeers returns copies of every trust record ordered by uuid.
func (r *Registry) TrustedPeers() []models.PeerTrust {
	r.trustMu.RLock()
	defer r.trustMu.RUnlock()

	return r.sortedTrustLocked()
}

// IsAccepted reports whether uuid holds an accepted trust record.
func (r *Registry) IsAccepted(uuid string) bool {
	r.trustMu.RLock()
	defer r.trustMu.RUnlock()

	peer, ok := r.trust[uuid]
	return ok && peer.Accepted
}

// UpsertTrust stores peer and persists the full table. Accepting a peer
// removes it from the rejected set in the same critical section.
func (r *Registry) UpsertTrust(peer models.PeerTrust) error {
	if peer.UUID == "" {
		return fmt.Errorf("upsert trust: %w", ErrUnknownPeer)
	}
	if peer.UUID == r.selfUUID {
		return ErrSelf
	}
	peer = cloneTrust(peer)
	peer.UpdatedAt = r.now().UnixMilli()

	err := func() error {
		r.trustMu.Lock()
		defer r.trustMu.Unlock()
		r.rejectedMu.Lock()
		defer r.rejectedMu.Unlock()

		// The rejection is cleared first. If the trust write then fails the
		// peer is left neither trusted nor rejected, in memory and on disk.
		if _, rejected := r.rejected[peer.UUID]; rejected && peer.Accepted {
			delete(r.rejected, peer.UUID)
			if err := r.persistRejectedLocked(); err != nil {
				r.rejected[peer.UUID] = struct{}{}
				return err
			}
		}

		previous, hadPrevious := r.trust[peer.UUID]
		r.trust[peer.UUID] = peer
		if err := r.persistTrustLocked(); err != nil {
			if hadPrevious {
				r.trust[peer.UUID] = previous
			} else {
				delete(r.trust, peer.UUID)
			}
			return err
		}
		return nil
	}()
	if err != nil {
		return err
	}

	r.Refresh()
	return nil
}

// UpdateTrustEndpoint refreshes address metadata of an existing trust record.
// The table is persisted only when a durable field changed.
func (r *Registry) UpdateTrustEndpoint(uuid string, endpoint Endpoint) (bool, error) {
	changed, err := func() (bool, error) {
		r.trustMu.Lock()
		defer r.trustMu.Unlock()

		peer, ok := r.trust[uuid]
		if !ok {
			return false, ErrUnknownPeer
		}
		updated := peer
		if endpoint.IP != "" {
			updated.LastIP = endpoint.IP
		}
		if endpoint.Port > 0 {
			updated.LastPort = endpoint.Port
		}
		if endpoint.DeviceType != "" {
			updated.DeviceType = endpoint.DeviceType
		}
		if endpoint.DisplayName != "" {
			updated.DisplayName = endpoint.DisplayName
		}
		if endpoint.BatteryHint >= 0 {
			updated.BatteryHint = endpoint.BatteryHint
		}

		durable := updated.LastIP != peer.LastIP ||
			updated.LastPort != peer.LastPort ||
			updated.DeviceType != peer.DeviceType ||
			updated.DisplayName != peer.DisplayName
		if !durable {
			r.trust[uuid] = updated
			return updated.BatteryHint != peer.BatteryHint, nil
		}

		updated.UpdatedAt = r.now().UnixMilli()
		r.trust[uuid] = updated
		if err := r.persistTrustLocked(); err != nil {
			r.trust[uuid] = peer
			return false, err
		}
		return true, nil
	}()
	if changed {
		r.Refresh()
	}
	return changed, err
}

// Reject adds uuid to the rejected set. An existing trust record is removed
// so the two never hold the same uuid.
func (r *Registry) Reject(uuid string) error {
	if uuid == r.selfUUID {
		return ErrSelf
	}

	err := func() error {
		r.trustMu.Lock()
		defer r.trustMu.Unlock()
		r.rejectedMu.Lock()
		defer r.rejectedMu.Unlock()

		if previous, ok := r.trust[uuid]; ok {
			delete(r.trust, uuid)
			if err := r.persistTrustLocked(); err != nil {
				r.trust[uuid] = previous
				return err
			}
		}
		if _, ok := r.rejected[uuid]; ok {
			return nil
		}
		r.rejected[uuid] = struct{}{}
		if err := r.persistRejectedLocked(); err != nil {
			delete(r.rejected, uuid)
			return err
		}
		return nil
	}()
	if err != nil {
		return err
	}

	r.stopHeartbeat(uuid)
	r.Refresh()
	return nil
}

// Unreject removes uuid from the rejected set. It reports whether uuid was present.
func (r *Registry) Unreject(uuid string) (bool, error) {
	r.rejectedMu.Lock()
	defer r.rejectedMu.Unlock()

	if _, ok := r.rejected[uuid]; !ok {
		return false, nil
	}
	delete(r.rejected, uuid)
	if err := r.persistRejectedLocked(); err != nil {
		r.rejected[uuid] = struct{}{}
		return false, err
	}
	return true, nil
}

// IsRejected reports whether uuid is in the rejected set.
func (r *Registry) IsRejected(uuid string) bool {
	r.rejectedMu.RLock()
	defer r.rejectedMu.RUnlock()

	_, ok := r.rejected[uuid]
	return ok
}

// Rejected returns the rejected uuids in sorted order.
func (r *Registry) Rejected() []string {
	r.rejectedMu.RLock()
	defer r.rejectedMu.RUnlock()

	return sortedKeys(r.rejected)
}

// ObservePresence records a sighting. Older observations never overwrite newer
// ones and empty fields keep their previous value.
func (r *Registry) ObservePresence(p models.Presence) {
	if p.UUID == "" || p.UUID == r.selfUUID {
		return
	}
	if p.SeenAt.IsZero() {
		p.SeenAt = r.now()
	}

	r.presenceMu.Lock()
	previous, ok := r.presence[p.UUID]
	if ok {
		if previous.SeenAt.After(p.SeenAt) {
			r.presenceMu.Unlock()
			return
		}
		if p.DisplayName == "" {
			p.DisplayName = previous.DisplayName
		}
		if p.IP == "" {
			p.IP = previous.IP
		}
		if p.Port == 0 {
			p.Port = previous.Port
		}
		if p.BatteryHint < 0 {
			p.BatteryHint = previous.BatteryHint
		}
		if p.DeviceType == "" {
			p.DeviceType = previous.DeviceType
		}
	}
	r.presence[p.UUID] = p
	r.presenceMu.Unlock()

	r.Refresh()
}

// Presence returns the last observation for uuid.
func (r *Registry) Presence(uuid string) (models.Presence, bool) {
	r.presenceMu.RLock()
	defer r.presenceMu.RUnlock()

	p, ok := r.presence[uuid]
	return p, ok
}

// TouchLiveness moves the liveness clock of uuid forward to at. It never moves
// backwards.
func (r *Registry) TouchLiveness(uuid string, at time.Time) {
	if at.IsZero() {
		at = r.now()
	}

	r.livenessMu.Lock()
	if previous, ok := r.liveness[uuid]; ok && !at.After(previous) {
		r.livenessMu.Unlock()
		return
	}
	r.liveness[uuid] = at
	r.livenessMu.Unlock()

	r.Refresh()
}

// LastSeen returns the liveness clock for uuid.
func (r *Registry) LastSeen(uuid string) (time.Time, bool) {
	r.livenessMu.RLock()
	defer r.livenessMu.RUnlock()

	at, ok := r.liveness[uuid]
	return at, ok
}

// BeginHeartbeat marks uuid as heartbeating with a new loop. The previous
// loop's cancel func, if any, is returned for the caller to invoke.
func (r *Registry) BeginHeartbeat(uuid string, cancel context.CancelFunc) (uint64, context.CancelFunc) {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()

	r.nextGeneration++
	previous, ok := r.heartbeating[uuid]
	r.heartbeating[uuid] = heartbeatLoop{generation: r.nextGeneration, cancel: cancel}
	if !ok {
		return r.nextGeneration, nil
	}
	return r.nextGeneration, previous.cancel
}

// EndHeartbeat clears the heartbeating mark if generation still owns it.
func (r *Registry) EndHeartbeat(uuid string, generation uint64) bool {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()

	loop, ok := r.heartbeating[uuid]
	if !ok || loop.generation != generation {
		return false
	}
	delete(r.heartbeating, uuid)
	return true
}

// IsHeartbeating reports whether a keep-alive loop currently runs for uuid.
func (r *Registry) IsHeartbeating(uuid string) bool {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()

	_, ok := r.heartbeating[uuid]
	return ok
}

// StopAllHeartbeats cancels and clears every keep-alive loop.
func (r *Registry) StopAllHeartbeats() {
	r.heartbeatMu.Lock()
	loops := r.heartbeating
	r.heartbeating = make(map[string]heartbeatLoop)
	r.heartbeatMu.Unlock()

	for _, loop := range loops {
		if loop.cancel != nil {
			loop.cancel()
		}
	}
}

func (r *Registry) stopHeartbeat(uuid string) {
	r.heartbeatMu.Lock()
	loop, ok := r.heartbeating[uuid]
	delete(r.heartbeating, uuid)
	r.heartbeatMu.Unlock()

	if ok && loop.cancel != nil {
		loop.cancel()
	}
}

// RemovePeer unpairs uuid: its keep-alive loop is cancelled, the trust record
// is deleted and persisted, and liveness is cleared. Removing an unknown uuid
// is a no-op.
func (r *Registry) RemovePeer(uuid string) error {
	r.stopHeartbeat(uuid)

	err := func() error {
		r.trustMu.Lock()
		defer r.trustMu.Unlock()

		previous, ok := r.trust[uuid]
		if !ok {
			return nil
		}
		delete(r.trust, uuid)
		if err := r.persistTrustLocked(); err != nil {
			r.trust[uuid] = previous
			return err
		}
		return nil
	}()
	if err != nil {
		return err
	}

	r.livenessMu.Lock()
	delete(r.liveness, uuid)
	r.livenessMu.Unlock()

	r.Refresh()
	return nil
}

// Devices returns the derived device list keyed by uuid. Stale untrusted
// entries are pruned from presence; trusted entries are always listed.
func (r *Registry) Devices() map[string]models.Device {
	now := r.now()

	r.trustMu.RLock()
	trust := make(map[string]models.PeerTrust, len(r.trust))
	for id, peer := range r.trust {
		trust[id] = peer
	}
	r.trustMu.RUnlock()

	r.livenessMu.RLock()
	liveness := make(map[string]time.Time, len(r.liveness))
	for id, at := range r.liveness {
		liveness[id] = at
	}
	r.livenessMu.RUnlock()

	devices := make(map[string]models.Device)
	stale := make([]string, 0)

	r.presenceMu.RLock()
	for id, p := range r.presence {
		peer, trusted := trust[id]
		if trusted && peer.Accepted {
			continue
		}
		fresh := now.Sub(p.SeenAt) <= r.discoveryWindow
		if !fresh && !trusted {
			stale = append(stale, id)
			continue
		}
		devices[id] = models.Device{Presence: p, Online: fresh, Trusted: false}
	}
	r.presenceMu.RUnlock()

	for id, peer := range trust {
		if !peer.Accepted {
			if _, listed := devices[id]; !listed {
				devices[id] = models.Device{Presence: presenceFromTrust(peer), Online: false}
			}
			continue
		}
		p, ok := r.Presence(id)
		if !ok {
			p = presenceFromTrust(peer)
		}
		lastSeen, seen := liveness[id]
		devices[id] = models.Device{
			Presence: p,
			Online:   seen && now.Sub(lastSeen) <= r.heartbeatTimeout,
			Trusted:  true,
		}
	}

	if len(stale) > 0 {
		r.prunePresence(stale, now)
	}
	return devices
}

// AuthenticatedOnlineCount counts devices that are listed, online and accepted.
func (r *Registry) AuthenticatedOnlineCount() int {
	return countAuthenticatedOnline(r.Devices())
}

// Subscribe registers fn to run after every device-list change.
func (r *Registry) Subscribe(fn func()) (unsubscribe func()) {
	r.observersMu.Lock()
	id := r.nextObserver
	r.nextObserver++
	r.observers[id] = fn
	r.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.observersMu.Lock()
			delete(r.observers, id)
			r.observersMu.Unlock()
		})
	}
}

// Refresh recomputes the device list and notifies observers only when the list
// or the authenticated-online count changed. It reports whether it notified.
func (r *Registry) Refresh() bool {
	r.snapshotMu.Lock()
	devices := r.Devices()
	online := countAuthenticatedOnline(devices)
	changed := !r.haveSnapshot || online != r.lastOnline || !sameDevices(devices, r.lastDevices)
	if changed {
		r.lastDevices = devices
		r.lastOnline = online
		r.haveSnapshot = true
	}
	r.snapshotMu.Unlock()

	if !changed {
		return false
	}

	r.observersMu.Lock()
	observers := make([]func(), 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.observersMu.Unlock()

	for _, fn := range observers {
		fn()
	}
	return true
}

func (r *Registry) prunePresence(ids []string, now time.Time) {
	r.trustMu.RLock()
	defer r.trustMu.RUnlock()
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	for _, id := range ids {
		if _, trusted := r.trust[id]; trusted {
			continue
		}
		if p, ok := r.presence[id]; ok && now.Sub(p.SeenAt) > r.discoveryWindow {
			delete(r.presence, id)
		}
	}
}

func (r *Registry) persistTrustLocked() error {
	if r.store == nil {
		return nil
	}
	if err := r.store.ReplaceTrustedPeers(r.sortedTrustLocked()); err != nil {
		return fmt.Errorf("persist trusted peers: %w", err)
	}
	return nil
}

func (r *Registry) persistRejectedLocked() error {
	if r.store == nil {
		return nil
	}
	if err := r.store.ReplaceRejected(sortedKeys(r.rejected)); err != nil {
		return fmt.Errorf("persist rejected peers: %w", err)
	}
	return nil
}

func (r *Registry) sortedTrustLocked() []models.PeerTrust {
	peers := make([]models.PeerTrust, 0, len(r.trust))
	for _, peer := range r.trust {
		peers = append(peers, cloneTrust(peer))
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].UUID < peers[j].UUID
	})
	return peers
}

func presenceFromTrust(peer models.PeerTrust) models.Presence {
	return models.Presence{
		UUID:        peer.UUID,
		DisplayName: peer.DisplayName,
		IP:          peer.LastIP,
		Port:        peer.LastPort,
		BatteryHint: peer.BatteryHint,
		DeviceType:  peer.DeviceType,
		Source:      models.SourceTrust,
	}
}

func cloneTrust(peer models.PeerTrust) models.PeerTrust {
	if peer.SharedSecret != nil {
		peer.SharedSecret = append([]byte(nil), peer.SharedSecret...)
	}
	return peer
}

func countAuthenticatedOnline(devices map[string]models.Device) int {
	count := 0
	for _, device := range devices {
		if device.Online && device.Trusted {
			count++
		}
	}
	return count
}

func sameDevices(a, b map[string]models.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for id, device := range a {
		other, ok := b[id]
		if !ok || !device.Equal(other) {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
