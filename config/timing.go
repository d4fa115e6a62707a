package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes Go duration strings ("3s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are milliseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var millis int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(time.Duration(millis) * time.Millisecond)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

const (
	DefaultBroadcastInterval         = 3 * time.Second
	DefaultHeartbeatInterval         = 3 * time.Second
	DefaultHeartbeatTimeout          = 15 * time.Second
	DefaultHeartbeatFailureThreshold = 5
	DefaultConnectTimeout            = 3 * time.Second
	DefaultHandshakeAttempts         = 3
	DefaultHandshakeBackoff          = time.Second
	DefaultApprovalTimeout           = 60 * time.Second
	DefaultRecoveryAttempts          = 3
	DefaultRecoveryDelay             = 2 * time.Second
	DefaultSweepInterval             = 30 * time.Second
	DefaultManualInterval            = 20 * time.Second
	DefaultManualMaxAttempts         = 5
	DefaultManualCooldown            = 2 * time.Minute
	DefaultReconnectStagger          = 300 * time.Millisecond
	DefaultNetworkPollInterval       = 5 * time.Second
	DefaultScanRate                  = 200
	DefaultDeviceListRefresh         = time.Second
)

// Timing holds the tunable intervals, thresholds and attempt counts.
// Zero values are replaced by defaults in WithDefaults.
type Timing struct {
	BroadcastInterval         Duration `json:"broadcast_interval,omitempty"`
	DiscoveryWindow           Duration `json:"discovery_window,omitempty"`
	HeartbeatInterval         Duration `json:"heartbeat_interval,omitempty"`
	HeartbeatTimeout          Duration `json:"heartbeat_timeout,omitempty"`
	HeartbeatFailureThreshold int      `json:"heartbeat_failure_threshold,omitempty"`
	ConnectTimeout            Duration `json:"connect_timeout,omitempty"`
	HandshakeAttempts         int      `json:"handshake_attempts,omitempty"`
	HandshakeBackoff          Duration `json:"handshake_backoff,omitempty"`
	HandshakeResponseTimeout  Duration `json:"handshake_response_timeout,omitempty"`
	ApprovalTimeout           Duration `json:"approval_timeout,omitempty"`
	RecoveryAttempts          int      `json:"recovery_attempts,omitempty"`
	RecoveryDelay             Duration `json:"recovery_delay,omitempty"`
	SweepInterval             Duration `json:"sweep_interval,omitempty"`
	ManualInterval            Duration `json:"manual_interval,omitempty"`
	ManualMaxAttempts         int      `json:"manual_max_attempts,omitempty"`
	ManualCooldown            Duration `json:"manual_cooldown,omitempty"`
	ReconnectStagger          Duration `json:"reconnect_stagger,omitempty"`
	NetworkPollInterval       Duration `json:"network_poll_interval,omitempty"`
	ScanRate                  int      `json:"scan_rate,omitempty"`
	DeviceListRefresh         Duration `json:"device_list_refresh,omitempty"`
}

// WithDefaults returns a copy with every unset value filled in.
func (t Timing) WithDefaults() Timing {
	out := t
	setDuration(&out.BroadcastInterval, DefaultBroadcastInterval)
	setDuration(&out.DiscoveryWindow, 2*out.BroadcastInterval.Std())
	setDuration(&out.HeartbeatInterval, DefaultHeartbeatInterval)
	setDuration(&out.HeartbeatTimeout, DefaultHeartbeatTimeout)
	setInt(&out.HeartbeatFailureThreshold, DefaultHeartbeatFailureThreshold)
	setDuration(&out.ConnectTimeout, DefaultConnectTimeout)
	setInt(&out.HandshakeAttempts, DefaultHandshakeAttempts)
	setDuration(&out.HandshakeBackoff, DefaultHandshakeBackoff)
	setDuration(&out.ApprovalTimeout, DefaultApprovalTimeout)
	setDuration(&out.HandshakeResponseTimeout, out.ApprovalTimeout.Std()+out.ConnectTimeout.Std())
	setInt(&out.RecoveryAttempts, DefaultRecoveryAttempts)
	setDuration(&out.RecoveryDelay, DefaultRecoveryDelay)
	setDuration(&out.SweepInterval, DefaultSweepInterval)
	setDuration(&out.ManualInterval, DefaultManualInterval)
	setInt(&out.ManualMaxAttempts, DefaultManualMaxAttempts)
	setDuration(&out.ManualCooldown, DefaultManualCooldown)
	setDuration(&out.ReconnectStagger, DefaultReconnectStagger)
	setDuration(&out.NetworkPollInterval, DefaultNetworkPollInterval)
	setInt(&out.ScanRate, DefaultScanRate)
	setDuration(&out.DeviceListRefresh, DefaultDeviceListRefresh)
	return out
}

func setDuration(target *Duration, fallback time.Duration) {
	if *target <= 0 {
		*target = Duration(fallback)
	}
}

func setInt(target *int, fallback int) {
	if *target <= 0 {
		*target = fallback
	}
}
