package protocol

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig controls per-source inbound limits.
type LimiterConfig struct {
	PerSecond     float64
	Burst         int
	MaxFailures   int
	FailureWindow time.Duration
	BlockDuration time.Duration
	IdleEviction  time.Duration
}

// DefaultDatagramLimits absorb broadcast storms while passing normal presence traffic.
func DefaultDatagramLimits() LimiterConfig {
	return LimiterConfig{
		PerSecond:     20,
		Burst:         40,
		MaxFailures:   0,
		IdleEviction:  5 * time.Minute,
		FailureWindow: time.Minute,
		BlockDuration: time.Minute,
	}
}

// DefaultStreamLimits bound inbound stream connections per source.
func DefaultStreamLimits() LimiterConfig {
	return LimiterConfig{
		PerSecond:     10,
		Burst:         20,
		MaxFailures:   10,
		FailureWindow: time.Minute,
		BlockDuration: 2 * time.Minute,
		IdleEviction:  5 * time.Minute,
	}
}

type sourceState struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	failures    int
	lastFailure time.Time
	blockedTill time.Time
	lastSeen    time.Time
}

// InboundLimiter rate-limits inbound traffic per source IP and temporarily
// blocks sources that keep failing authentication.
type InboundLimiter struct {
	cfg     LimiterConfig
	now     func() time.Time
	sources sync.Map // ip -> *sourceState
}

// NewInboundLimiter creates a limiter.
func NewInboundLimiter(cfg LimiterConfig) *InboundLimiter {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &InboundLimiter{cfg: cfg, now: time.Now}
}

// Allow reports whether one more unit of traffic from addr may be processed.
func (l *InboundLimiter) Allow(addr net.Addr) bool {
	state := l.source(SourceIP(addr))
	now := l.now()

	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastSeen = now
	if now.Before(state.blockedTill) {
		return false
	}
	return state.limiter.AllowN(now, 1)
}

// RecordFailure counts an authentication failure from addr.
// It reports whether the source is now blocked.
func (l *InboundLimiter) RecordFailure(addr net.Addr) bool {
	if l.cfg.MaxFailures <= 0 {
		return false
	}
	state := l.source(SourceIP(addr))
	now := l.now()

	state.mu.Lock()
	defer state.mu.Unlock()
	if now.Sub(state.lastFailure) > l.cfg.FailureWindow {
		state.failures = 0
	}
	state.failures++
	state.lastFailure = now
	if state.failures >= l.cfg.MaxFailures {
		state.blockedTill = now.Add(l.cfg.BlockDuration)
		state.failures = 0
		return true
	}
	return false
}

// RecordSuccess clears the failure counter for addr.
func (l *InboundLimiter) RecordSuccess(addr net.Addr) {
	value, ok := l.sources.Load(SourceIP(addr))
	if !ok {
		return
	}
	state := value.(*sourceState)
	state.mu.Lock()
	state.failures = 0
	state.mu.Unlock()
}

// Cleanup drops sources idle for longer than IdleEviction.
func (l *InboundLimiter) Cleanup() {
	if l.cfg.IdleEviction <= 0 {
		return
	}
	now := l.now()
	l.sources.Range(func(key, value any) bool {
		state := value.(*sourceState)
		state.mu.Lock()
		idle := now.Sub(state.lastSeen) > l.cfg.IdleEviction && !now.Before(state.blockedTill)
		state.mu.Unlock()
		if idle {
			l.sources.Delete(key)
		}
		return true
	})
}

func (l *InboundLimiter) source(ip string) *sourceState {
	if value, ok := l.sources.Load(ip); ok {
		return value.(*sourceState)
	}
	state := &sourceState{
		limiter: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst),
	}
	actual, _ := l.sources.LoadOrStore(ip, state)
	return actual.(*sourceState)
}

// SourceIP extracts the IP from a network address.
func SourceIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
