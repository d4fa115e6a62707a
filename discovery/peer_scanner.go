package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"devicelink/models"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses mDNS periodically and on demand. Each browse window
// replaces the previous snapshot; every peer seen in a window is delivered on
// Sightings.
type PeerScanner struct {
	cfg MDNSConfig

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]models.Presence

	sightings chan models.Presence

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config MDNSConfig) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]models.Presence),
		sightings:       make(chan models.Presence, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Sightings.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.sightings)
	})
}

// Sightings delivers one presence per peer per browse window.
func (s *PeerScanner) Sightings() <-chan models.Presence {
	return s.sightings
}

// Refresh triggers an immediate browse window.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the peers seen in the last browse window.
func (s *PeerScanner) ListPeers() []models.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Presence, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UUID < out[j].UUID
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		slog.Debug("mdns browse failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				slog.Debug("mdns browse failed", "err", err)
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Presence)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func(source <-chan *zeroconf.ServiceEntry) {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-source:
				if !ok {
					// The resolver closes entries when browsing ends.
					source = nil
					continue
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.SeenAt = time.Now()
				collectedMu.Lock()
				collected[peer.UUID] = peer
				collectedMu.Unlock()
			}
		}
	}(entries)

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil && !isWindowEnd(err) {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	if err := scanCtx.Err(); err != nil && !isWindowEnd(err) {
		return err
	}
	return nil
}

// isWindowEnd reports errors that only mean the browse window closed.
func isWindowEnd(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (s *PeerScanner) applySnapshot(next map[string]models.Presence) {
	s.mu.Lock()
	s.peers = next
	s.mu.Unlock()

	for _, peer := range next {
		select {
		case s.sightings <- peer:
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.Presence, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" {
		deviceID = strings.TrimSpace(entry.Instance)
	}
	if deviceID == "" || deviceID == selfDeviceID {
		return models.Presence{}, false
	}

	var ip string
	for _, addr := range entry.AddrIPv4 {
		if addr != nil && !addr.IsUnspecified() {
			ip = addr.String()
			break
		}
	}
	if ip == "" {
		for _, addr := range entry.AddrIPv6 {
			if addr != nil && !addr.IsUnspecified() {
				ip = addr.String()
				break
			}
		}
	}
	if ip == "" || entry.Port <= 0 {
		return models.Presence{}, false
	}

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}

	return models.Presence{
		UUID:        deviceID,
		DisplayName: name,
		IP:          ip,
		Port:        entry.Port,
		BatteryHint: models.BatteryUnknown,
		DeviceType:  strings.TrimSpace(txt["device_type"]),
		Source:      models.SourceMDNS,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
