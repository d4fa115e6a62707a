package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Security event types recorded by the transport layer.
const (
	EventDecryptFailed     = "decrypt_failed"
	EventUntrustedData     = "untrusted_data"
	EventPublicKeyMismatch = "public_key_mismatch"
	EventHandshakeRejected = "handshake_rejected"
	EventRateLimited       = "rate_limited"
	EventPeerUnpaired      = "peer_unpaired"
)

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	RemoteAddr   *string
	Details      string
	Severity     string
	Timestamp    int64
}

// SecurityEventFilter controls security event query filtering.
type SecurityEventFilter struct {
	EventType     string
	PeerDeviceID  string
	Severity      string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security severity %q", severity)
	}
}
