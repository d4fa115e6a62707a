package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"devicelink/discovery"
	"devicelink/protocol"
)

var errStillOffline = errors.New("network: peer still offline")

// keepAliveManager runs one heartbeat loop per trusted peer and recovers
// peers whose loop gave up.
type keepAliveManager struct {
	node   *Node
	sendFn func(ctx context.Context, address, line string) error

	mu         sync.Mutex
	recovering map[string]struct{}
}

func newKeepAliveManager(node *Node) *keepAliveManager {
	k := &keepAliveManager{
		node:       node,
		sendFn:     node.opts.sendHeartbeatFn,
		recovering: make(map[string]struct{}),
	}
	if k.sendFn == nil {
		k.sendFn = func(ctx context.Context, address, line string) error {
			return protocol.SendLine(ctx, address, line, node.timing.ConnectTimeout.Std())
		}
	}
	return k
}

// start marks uuid heartbeating and launches its loop. Any previous loop for
// uuid is cancelled.
func (k *keepAliveManager) start(uuid, address string) {
	n := k.node
	ctx, cancel := context.WithCancel(n.ctx)
	generation, previous := n.registry.BeginHeartbeat(uuid, cancel)
	if previous != nil {
		previous()
	}

	if !n.spawn(func() { k.loop(ctx, uuid, generation, address) }) {
		cancel()
		n.registry.EndHeartbeat(uuid, generation)
	}
}

func (k *keepAliveManager) loop(ctx context.Context, uuid string, generation uint64, startAddress string) {
	n := k.node
	interval := n.timing.HeartbeatInterval.Std()
	threshold := n.timing.HeartbeatFailureThreshold

	slog.Debug("keep-alive started", "peer", uuid, "generation", generation)
	failures := 0
	for {
		address := startAddress
		if resolved, err := n.resolveAddress(uuid); err == nil {
			address = resolved
		}

		line := protocol.Heartbeat{
			UUID:       n.identity.UUID,
			Battery:    n.opts.Battery(),
			DeviceType: n.opts.DeviceType,
		}.Encode()

		// A successful send does not move the peer's liveness clock.
		if err := k.sendFn(ctx, address, line); err != nil {
			if ctx.Err() != nil {
				n.registry.EndHeartbeat(uuid, generation)
				return
			}
			failures++
			slog.Debug("heartbeat send failed", "peer", uuid, "address", address, "failures", failures, "err", err)
			if failures >= threshold {
				if n.registry.EndHeartbeat(uuid, generation) {
					slog.Info("keep-alive gave up", "peer", uuid, "failures", failures)
					k.recover(uuid)
				}
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			n.registry.EndHeartbeat(uuid, generation)
			return
		case <-time.After(interval):
		}
	}
}

// recover runs bounded Connect attempts and reports the peer offline once
// when none of them restarts heartbeating.
func (k *keepAliveManager) recover(uuid string) {
	k.mu.Lock()
	if _, busy := k.recovering[uuid]; busy {
		k.mu.Unlock()
		return
	}
	k.recovering[uuid] = struct{}{}
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.recovering, uuid)
		k.mu.Unlock()
	}()

	n := k.node
	attempts := n.timing.RecoveryAttempts
	attempt := 0
	operation := func() error {
		if !n.registry.IsAccepted(uuid) {
			return backoff.Permanent(fmt.Errorf("recover %s: %w", uuid, ErrPeerNotTrusted))
		}
		if n.registry.IsHeartbeating(uuid) {
			return nil
		}
		attempt++
		if err := n.Connect(n.ctx, uuid); err != nil {
			slog.Debug("recovery attempt failed", "peer", uuid, "attempt", attempt, "err", err)
			return err
		}
		if !n.registry.IsHeartbeating(uuid) {
			return errStillOffline
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(n.timing.RecoveryDelay.Std()), uint64(attempts-1)),
		n.ctx,
	)
	err := backoff.Retry(operation, policy)
	switch {
	case err == nil:
		slog.Info("peer recovered", "peer", uuid, "attempts", attempt)
	case n.ctx.Err() != nil, errors.Is(err, ErrPeerNotTrusted):
	default:
		slog.Warn("peer offline", "peer", uuid, "attempts", attempt, "err", err)
		if n.opts.OnPeerOffline != nil {
			n.opts.OnPeerOffline(uuid)
		}
	}
}

// sweepLoop reconnects trusted peers that are not heartbeating while the
// network is Wi-Fi Direct, where links drop without a network change.
func (k *keepAliveManager) sweepLoop() {
	n := k.node
	ticker := time.NewTicker(n.timing.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
		if n.engine.NetworkState().Mode != discovery.NetworkWiFiDirect {
			continue
		}
		k.sweep()
	}
}

func (k *keepAliveManager) sweep() {
	n := k.node
	for _, peer := range n.registry.TrustedPeers() {
		if n.ctx.Err() != nil {
			return
		}
		if !peer.Accepted || n.registry.IsHeartbeating(peer.UUID) {
			continue
		}
		if err := n.Connect(n.ctx, peer.UUID); err != nil {
			slog.Debug("wifi direct sweep connect failed", "peer", peer.UUID, "err", err)
		}
	}
}
