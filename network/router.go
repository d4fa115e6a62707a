package network

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"devicelink/crypto"
	"devicelink/models"
	"devicelink/protocol"
	"devicelink/storage"
)

// ChannelHandler receives a decrypted payload and the sender uuid.
type ChannelHandler func(senderUUID string, payload []byte)

// router classifies the first line of an inbound stream connection and
// dispatches it. Connections are closed before any handler runs.
type router struct {
	node *Node

	mu       sync.RWMutex
	handlers map[string]ChannelHandler
}

func newRouter(node *Node) *router {
	return &router{node: node, handlers: make(map[string]ChannelHandler)}
}

func (r *router) register(header string, handler ChannelHandler) error {
	if err := protocol.ValidateHeader(header); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("register %s: handler is nil", header)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[header] = handler
	return nil
}

func (r *router) unregister(header string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, header)
}

func (r *router) handler(header string) (ChannelHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[header]
	return h, ok
}

func (r *router) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr()
	line, err := protocol.ReadLine(conn, r.node.timing.ConnectTimeout.Std())
	if err != nil {
		slog.Debug("read inbound line failed", "remote", addrString(remote), "err", err)
		return
	}

	switch protocol.Classify(line) {
	case protocol.KindHandshake:
		r.node.respondHandshake(conn, line)
	case protocol.KindHeartbeat:
		_ = conn.Close()
		hb, err := protocol.ParseHeartbeat(line)
		if err != nil {
			slog.Debug("dropping malformed heartbeat", "remote", addrString(remote), "err", err)
			return
		}
		r.node.HandleHeartbeat(hb, remote)
	case protocol.KindData:
		_ = conn.Close()
		r.routeData(line, remote)
	case protocol.KindDiscover:
		_ = conn.Close()
		slog.Debug("dropping discover line on stream listener", "remote", addrString(remote))
	default:
		_ = conn.Close()
		r.routeProbe(line, remote)
	}
}

func (r *router) routeData(line string, remote net.Addr) {
	msg, err := protocol.ParseData(line)
	if err != nil {
		slog.Debug("dropping malformed data line", "remote", addrString(remote), "err", err)
		return
	}

	trust, ok := r.node.registry.Trust(msg.UUID)
	if !ok || !trust.Accepted {
		r.authFailure(storage.EventUntrustedData, msg.UUID, remote, map[string]any{"header": msg.Header})
		return
	}
	if msg.PublicKey != trust.PublicKey {
		r.authFailure(storage.EventPublicKeyMismatch, msg.UUID, remote, map[string]any{"header": msg.Header})
		return
	}

	plaintext, err := crypto.OpenString(trust.SharedSecret, msg.Payload)
	if err != nil {
		r.authFailure(storage.EventDecryptFailed, msg.UUID, remote, map[string]any{"header": msg.Header})
		return
	}
	r.node.limiter.RecordSuccess(remote)

	handler, ok := r.handler(msg.Header)
	if !ok {
		slog.Info("no handler for channel", "header", msg.Header, "peer", msg.UUID)
		return
	}
	go r.dispatch(handler, msg.Header, msg.UUID, plaintext)
}

// dispatch runs one handler. A panicking handler is logged and contained.
func (r *router) dispatch(handler ChannelHandler, header, sender string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("channel handler panicked", "header", header, "peer", sender, "panic", rec)
		}
	}()
	handler(sender, payload)
}

// routeProbe tries every accepted secret against an opaque line.
func (r *router) routeProbe(line string, remote net.Addr) {
	for _, trust := range r.node.registry.TrustedPeers() {
		if !trust.Accepted || len(trust.SharedSecret) == 0 {
			continue
		}
		plaintext, err := crypto.OpenString(trust.SharedSecret, line)
		if err != nil {
			continue
		}
		probe, err := protocol.ParseProbe(string(plaintext))
		if err != nil || probe.UUID != trust.UUID {
			slog.Debug("dropping probe with mismatched sender", "peer", trust.UUID, "remote", addrString(remote))
			return
		}

		r.node.limiter.RecordSuccess(remote)
		r.node.registry.ObservePresence(models.Presence{
			UUID:        probe.UUID,
			DisplayName: trust.DisplayName,
			IP:          protocol.SourceIP(remote),
			Port:        probe.Port,
			BatteryHint: models.BatteryUnknown,
			Source:      models.SourceProbe,
			SeenAt:      time.Now(),
		})
		slog.Debug("manual probe received", "peer", probe.UUID, "remote", addrString(remote))
		r.node.ConnectIfTrusted(probe.UUID)
		return
	}

	r.authFailure(storage.EventDecryptFailed, "", remote, map[string]any{"kind": "probe"})
}

func (r *router) authFailure(eventType, peerID string, remote net.Addr, details map[string]any) {
	severity := storage.SecuritySeverityWarning
	if r.node.limiter.RecordFailure(remote) {
		severity = storage.SecuritySeverityCritical
		details["blocked"] = true
		r.node.recordSecurityEvent(storage.EventRateLimited, peerID, addrString(remote), severity, nil)
	}
	r.node.recordSecurityEvent(eventType, peerID, addrString(remote), severity, details)
}
