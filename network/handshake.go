package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"devicelink/config"
	"devicelink/crypto"
	"devicelink/models"
	"devicelink/protocol"
	"devicelink/registry"
	"devicelink/storage"
)

// HandshakeOutcome is the terminal state of one handshake attempt.
type HandshakeOutcome int

const (
	OutcomeInitiated HandshakeOutcome = iota
	OutcomeAwaitResponse
	OutcomeAccepted
	OutcomeRejected
	// OutcomeTimedOut also covers connection failures before any response.
	OutcomeTimedOut
	OutcomeMalformed
)

func (o HandshakeOutcome) String() string {
	switch o {
	case OutcomeInitiated:
		return "initiated"
	case OutcomeAwaitResponse:
		return "await_response"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type pendingApproval struct {
	publicKey string
	done      chan struct{}
	approved  bool
}

// outboundDial marks handshakes in flight toward one IP. An inbound
// handshake from that IP waits for them so a reciprocal connect never
// reaches us before our own ACCEPT has been processed.
type outboundDial struct {
	refs int
	done chan struct{}
}

// Connect handshakes with a trusted peer at its freshest known address.
// It is a no-op while the peer is heartbeating. Concurrent calls for one uuid
// share a single attempt, but each caller stops waiting when its own ctx ends.
func (n *Node) Connect(ctx context.Context, uuid string) error {
	if n.ctx == nil {
		return ErrNotStarted
	}
	if uuid == n.identity.UUID {
		return registry.ErrSelf
	}
	if n.registry.IsHeartbeating(uuid) {
		return nil
	}

	_, err := n.sharedAttempt(ctx, "uuid:"+uuid, func(attemptCtx context.Context) (any, error) {
		if n.registry.IsHeartbeating(uuid) {
			return nil, nil
		}
		address, err := n.resolveAddress(uuid)
		if err != nil {
			return nil, err
		}
		return n.handshake(attemptCtx, address, uuid)
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", uuid, err)
	}
	return nil
}

// PairAddress handshakes with whatever device listens at ip:port. On success
// the returned record is already stored and its keep-alive loop is running.
func (n *Node) PairAddress(ctx context.Context, ip string, port int) (models.PeerTrust, error) {
	if n.ctx == nil {
		return models.PeerTrust{}, ErrNotStarted
	}
	if net.ParseIP(ip) == nil || port <= 0 || port > 65535 {
		return models.PeerTrust{}, fmt.Errorf("pair %s:%d: %w", ip, port, ErrNoAddress)
	}

	address := protocol.JoinHostPort(ip, port)
	value, err := n.sharedAttempt(ctx, "addr:"+address, func(attemptCtx context.Context) (any, error) {
		return n.handshake(attemptCtx, address, "")
	})
	if err != nil {
		return models.PeerTrust{}, err
	}
	return value.(models.PeerTrust), nil
}

// sharedAttempt runs fn once per key across concurrent callers. The attempt is
// bound to the node lifetime so one caller giving up does not fail the others.
func (n *Node) sharedAttempt(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	results := n.connectGroup.DoChan(key, func() (any, error) {
		return fn(n.ctx)
	})
	select {
	case res := <-results:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handshake runs handshakeOnce under the retry policy. I/O failures are
// retried; REJECT and malformed responses end the cycle.
func (n *Node) handshake(ctx context.Context, address, expectUUID string) (models.PeerTrust, error) {
	var (
		trust   models.PeerTrust
		attempt int
	)
	operation := func() error {
		attempt++
		outcome, result, err := n.handshakeOnce(ctx, address, expectUUID)
		slog.Debug("handshake attempt finished",
			"address", address,
			"peer", expectUUID,
			"attempt", attempt,
			"outcome", outcome.String(),
		)
		switch outcome {
		case OutcomeAccepted:
			trust = result
			return nil
		case OutcomeRejected, OutcomeMalformed:
			return backoff.Permanent(err)
		default:
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(n.timing.HandshakeBackoff.Std()),
			uint64(n.timing.HandshakeAttempts-1),
		),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return models.PeerTrust{}, fmt.Errorf("handshake with %s: %w", address, err)
	}
	return trust, nil
}

func (n *Node) handshakeOnce(ctx context.Context, address, expectUUID string) (HandshakeOutcome, models.PeerTrust, error) {
	release := n.beginOutbound(hostOf(address))
	defer release()

	line, err := protocol.Exchange(ctx, address, n.localHello().EncodeHandshake(),
		n.timing.ConnectTimeout.Std(), n.timing.HandshakeResponseTimeout.Std())
	if err != nil {
		return OutcomeTimedOut, models.PeerTrust{}, err
	}

	response, err := protocol.ParseResponse(line)
	if err != nil {
		return OutcomeMalformed, models.PeerTrust{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !response.Accepted {
		return OutcomeRejected, models.PeerTrust{}, fmt.Errorf("%w by %s", ErrHandshakeRejected, response.UUID)
	}

	hello := response.Hello
	if hello.UUID == n.identity.UUID || (expectUUID != "" && hello.UUID != expectUUID) {
		return OutcomeMalformed, models.PeerTrust{}, fmt.Errorf("%w: unexpected uuid %s", ErrMalformedResponse, hello.UUID)
	}
	if existing, ok := n.registry.Trust(hello.UUID); ok && existing.Accepted && existing.PublicKey != hello.PublicKey {
		n.recordSecurityEvent(storage.EventPublicKeyMismatch, hello.UUID, address, storage.SecuritySeverityCritical, map[string]any{
			"direction": "outbound",
		})
		return OutcomeRejected, models.PeerTrust{}, fmt.Errorf("%s: %w", hello.UUID, ErrPublicKeyMismatch)
	}

	secret, err := crypto.DeriveSharedSecret(n.identity, hello.UUID, hello.PublicKey)
	if err != nil {
		return OutcomeMalformed, models.PeerTrust{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	ip := hostOf(address)
	port := hello.Port
	if port == 0 {
		if _, portText, err := net.SplitHostPort(address); err == nil {
			port, _ = strconv.Atoi(portText)
		}
	}
	trust, err := n.storeTrust(hello, secret, ip, port)
	if err != nil {
		return OutcomeTimedOut, models.PeerTrust{}, err
	}

	n.keepAlive.start(hello.UUID, protocol.JoinHostPort(ip, port))
	slog.Info("handshake accepted", "peer", hello.UUID, "name", trust.DisplayName, "address", address)
	return OutcomeAccepted, trust, nil
}

// respondHandshake answers one inbound HANDSHAKE line on conn.
func (n *Node) respondHandshake(conn net.Conn, line string) {
	remote := addrString(conn.RemoteAddr())
	remoteIP := protocol.SourceIP(conn.RemoteAddr())

	hello, err := protocol.ParseHandshake(line)
	if err != nil || hello.UUID == n.identity.UUID {
		slog.Debug("rejecting malformed handshake", "remote", remote, "err", err)
		n.writeResponse(conn, protocol.EncodeReject(n.identity.UUID))
		return
	}
	port := hello.Port
	if port == 0 {
		port = config.DefaultListeningPort
	}

	trust, trusted := n.registry.Trust(hello.UUID)
	if !trusted || !trust.Accepted {
		n.awaitOutbound(remoteIP)
		trust, trusted = n.registry.Trust(hello.UUID)
	}

	switch {
	case trusted && trust.Accepted:
		if trust.PublicKey != hello.PublicKey {
			n.recordSecurityEvent(storage.EventPublicKeyMismatch, hello.UUID, remote, storage.SecuritySeverityCritical, map[string]any{
				"direction": "inbound",
			})
			n.writeResponse(conn, protocol.EncodeReject(n.identity.UUID))
			return
		}
		if _, err := n.registry.UpdateTrustEndpoint(hello.UUID, registry.Endpoint{
			IP:          remoteIP,
			Port:        port,
			DeviceType:  hello.DeviceType,
			DisplayName: hello.DisplayName,
			BatteryHint: hello.Battery,
		}); err != nil {
			slog.Warn("persist peer endpoint failed", "peer", hello.UUID, "err", err)
		}

	case n.registry.IsRejected(hello.UUID):
		slog.Debug("rejecting handshake from rejected peer", "peer", hello.UUID, "remote", remote)
		n.writeResponse(conn, protocol.EncodeReject(n.identity.UUID))
		return

	case n.opts.OnPairingRequest == nil:
		slog.Info("rejecting unknown peer without pairing handler", "peer", hello.UUID, "remote", remote)
		n.writeResponse(conn, protocol.EncodeReject(n.identity.UUID))
		return

	default:
		req := PairingRequest{
			Presence: models.Presence{
				UUID:        hello.UUID,
				DisplayName: hello.DisplayName,
				IP:          remoteIP,
				Port:        port,
				BatteryHint: hello.Battery,
				DeviceType:  hello.DeviceType,
				Source:      models.SourceHandshake,
				SeenAt:      time.Now(),
			},
			PublicKey:   hello.PublicKey,
			Fingerprint: crypto.FormatFingerprint(crypto.KeyFingerprint(hello.PublicKey)),
		}
		approved := n.awaitApproval(req, func() error {
			secret, err := crypto.DeriveSharedSecret(n.identity, hello.UUID, hello.PublicKey)
			if err != nil {
				return err
			}
			hello.IP = remoteIP
			_, err = n.storeTrust(hello, secret, remoteIP, port)
			return err
		})
		if !approved {
			n.writeResponse(conn, protocol.EncodeReject(n.identity.UUID))
			return
		}
		slog.Info("peer paired", "peer", hello.UUID, "name", hello.DisplayName, "remote", remote)
	}

	now := time.Now()
	n.registry.ObservePresence(models.Presence{
		UUID:        hello.UUID,
		DisplayName: hello.DisplayName,
		IP:          remoteIP,
		Port:        port,
		BatteryHint: hello.Battery,
		DeviceType:  hello.DeviceType,
		Source:      models.SourceHandshake,
		SeenAt:      now,
	})
	n.registry.TouchLiveness(hello.UUID, now)

	if !n.writeResponse(conn, n.localHello().EncodeAccept()) {
		return
	}
	_ = conn.Close()
	n.ConnectIfTrusted(hello.UUID)
}

// storeTrust derives the trust record from a peer hello and persists it.
func (n *Node) storeTrust(hello protocol.Hello, secret []byte, ip string, port int) (models.PeerTrust, error) {
	trust := models.PeerTrust{
		UUID:         hello.UUID,
		PublicKey:    hello.PublicKey,
		SharedSecret: secret,
		Accepted:     true,
		DisplayName:  hello.DisplayName,
		LastIP:       ip,
		LastPort:     port,
		DeviceType:   hello.DeviceType,
		BatteryHint:  hello.Battery,
	}
	if existing, ok := n.registry.Trust(hello.UUID); ok {
		if trust.DisplayName == "" {
			trust.DisplayName = existing.DisplayName
		}
		if trust.DeviceType == "" {
			trust.DeviceType = existing.DeviceType
		}
	}
	if err := n.registry.UpsertTrust(trust); err != nil {
		return models.PeerTrust{}, fmt.Errorf("store trust for %s: %w", hello.UUID, err)
	}

	now := time.Now()
	n.registry.ObservePresence(models.Presence{
		UUID:        trust.UUID,
		DisplayName: trust.DisplayName,
		IP:          ip,
		Port:        port,
		BatteryHint: trust.BatteryHint,
		DeviceType:  trust.DeviceType,
		Source:      models.SourceHandshake,
		SeenAt:      now,
	})
	n.registry.TouchLiveness(trust.UUID, now)
	return trust, nil
}

// awaitApproval asks the pairing callback once per uuid and runs commit when
// the answer is yes. Concurrent handshakes for the same uuid share the
// pending decision, which is published only after commit returns. A
// concurrent handshake claiming a different key never shares it.
func (n *Node) awaitApproval(req PairingRequest, commit func() error) bool {
	uuid := req.Presence.UUID

	n.approvalMu.Lock()
	pending, waiting := n.approvals[uuid]
	if !waiting {
		pending = &pendingApproval{publicKey: req.PublicKey, done: make(chan struct{})}
		n.approvals[uuid] = pending
	}
	n.approvalMu.Unlock()

	if waiting {
		if pending.publicKey != req.PublicKey {
			n.recordSecurityEvent(storage.EventPublicKeyMismatch, uuid, req.Presence.IP, storage.SecuritySeverityCritical, map[string]any{
				"direction": "inbound",
				"pending":   true,
			})
			return false
		}
		select {
		case <-pending.done:
			return pending.approved
		case <-n.ctx.Done():
			return false
		}
	}

	answer := make(chan bool, 1)
	var once sync.Once
	respond := func(approved bool) {
		once.Do(func() { answer <- approved })
	}

	slog.Info("pairing requested", "peer", uuid, "name", req.Presence.DisplayName, "fingerprint", req.Fingerprint)
	go n.opts.OnPairingRequest(req, respond)

	timer := time.NewTimer(n.timing.ApprovalTimeout.Std())
	defer timer.Stop()

	var approved, timedOut, shutdown, failed bool
	select {
	case approved = <-answer:
	case <-timer.C:
		timedOut = true
	case <-n.ctx.Done():
		shutdown = true
	}
	if approved {
		if err := commit(); err != nil {
			slog.Error("persist new peer failed", "peer", uuid, "err", err)
			approved, failed = false, true
		}
	}

	pending.approved = approved
	n.approvalMu.Lock()
	delete(n.approvals, uuid)
	n.approvalMu.Unlock()
	close(pending.done)

	switch {
	case approved:
		return true
	case timedOut:
		slog.Info("pairing request timed out", "peer", uuid)
	case shutdown, failed:
	default:
		if err := n.registry.Reject(uuid); err != nil && !errors.Is(err, registry.ErrSelf) {
			slog.Warn("persist rejected peer failed", "peer", uuid, "err", err)
		}
		n.recordSecurityEvent(storage.EventHandshakeRejected, uuid, req.Presence.IP, storage.SecuritySeverityInfo, map[string]any{
			"name":        req.Presence.DisplayName,
			"fingerprint": req.Fingerprint,
		})
	}
	return false
}

func (n *Node) writeResponse(conn net.Conn, line string) bool {
	if err := protocol.WriteLine(conn, line, n.timing.ConnectTimeout.Std()); err != nil {
		slog.Debug("write handshake response failed", "remote", addrString(conn.RemoteAddr()), "err", err)
		return false
	}
	return true
}

func (n *Node) beginOutbound(ip string) func() {
	n.outboundMu.Lock()
	dial, ok := n.outbound[ip]
	if !ok {
		dial = &outboundDial{done: make(chan struct{})}
		n.outbound[ip] = dial
	}
	dial.refs++
	n.outboundMu.Unlock()

	return func() {
		n.outboundMu.Lock()
		defer n.outboundMu.Unlock()
		dial.refs--
		if dial.refs == 0 {
			delete(n.outbound, ip)
			close(dial.done)
		}
	}
}

func (n *Node) awaitOutbound(ip string) {
	n.outboundMu.Lock()
	dial, ok := n.outbound[ip]
	n.outboundMu.Unlock()
	if !ok {
		return
	}

	timer := time.NewTimer(n.timing.ConnectTimeout.Std())
	defer timer.Stop()
	select {
	case <-dial.done:
	case <-timer.C:
	case <-n.ctx.Done():
	}
}
