package models

import "time"

// Presence sources.
const (
	SourceBroadcast = "broadcast"
	SourceScan      = "scan"
	SourceMDNS      = "mdns"
	SourceHandshake = "handshake"
	SourceHeartbeat = "heartbeat"
	SourceProbe     = "probe"
	SourceLocal     = "local"
	SourceTrust     = "trust"
)

// PeerTrust is the persisted trust record for one paired device.
type PeerTrust struct {
	UUID         string `json:"uuid"`
	PublicKey    string `json:"public_key"`
	SharedSecret []byte `json:"-"`
	Accepted     bool   `json:"accepted"`
	DisplayName  string `json:"display_name"`
	LastIP       string `json:"last_ip"`
	LastPort     int    `json:"last_port"`
	DeviceType   string `json:"device_type"`
	BatteryHint  int    `json:"battery_hint"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Presence is the most recent observation of a device on the network.
type Presence struct {
	UUID        string    `json:"uuid"`
	DisplayName string    `json:"display_name"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	BatteryHint int       `json:"battery_hint"`
	DeviceType  string    `json:"device_type"`
	Source      string    `json:"source"`
	SeenAt      time.Time `json:"seen_at"`
}

// Device is one entry of the derived device list.
type Device struct {
	Presence Presence `json:"presence"`
	Online   bool     `json:"online"`
	Trusted  bool     `json:"trusted"`
}

// BatteryUnknown marks a missing battery hint.
const BatteryUnknown = -1

// Equal compares the fields a device-list consumer renders; observation time
// and source are ignored.
func (d Device) Equal(other Device) bool {
	return d.Online == other.Online &&
		d.Trusted == other.Trusted &&
		d.Presence.UUID == other.Presence.UUID &&
		d.Presence.DisplayName == other.Presence.DisplayName &&
		d.Presence.IP == other.Presence.IP &&
		d.Presence.Port == other.Presence.Port &&
		d.Presence.BatteryHint == other.Presence.BatteryHint &&
		d.Presence.DeviceType == other.Presence.DeviceType
}
