package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSecurityEventRetention configures automatic security-event pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention.Store(int64(retention))
}

func (s *Store) eventRetention() time.Duration {
	return time.Duration(s.securityEventRetention.Load())
}

// RecordSecurityEvent is a convenience wrapper that marshals details to JSON.
func (s *Store) RecordSecurityEvent(eventType, peerDeviceID, remoteAddr, severity string, details map[string]any) error {
	encoded := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal security event details: %w", err)
		}
		encoded = string(raw)
	}

	event := SecurityEvent{
		EventType: eventType,
		Details:   encoded,
		Severity:  severity,
	}
	if peerDeviceID != "" {
		event.PeerDeviceID = &peerDeviceID
	}
	if remoteAddr != "" {
		event.RemoteAddr = &remoteAddr
	}
	return s.LogSecurityEvent(event)
}

// LogSecurityEvent inserts a structured security event and applies retention pruning.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (
			event_type,
			peer_device_id,
			remote_addr,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedOrNil(event.PeerDeviceID)),
		nullString(trimmedOrNil(event.RemoteAddr)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if retention := s.eventRetention(); retention > 0 {
		cutoff := time.Now().Add(-retention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}

	return nil
}

// GetSecurityEvents returns recent security events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id, event_type, peer_device_id, remote_addr, details, severity, timestamp
	FROM security_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerDeviceID != "" {
		where = append(where, "peer_device_id = ?")
		args = append(args, filter.PeerDeviceID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents deletes events older than the cutoff (unix millis).
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old security events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read pruned security event count: %w", err)
	}
	return deleted, nil
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event      SecurityEvent
		peerID     sql.NullString
		remoteAddr sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerID,
		&remoteAddr,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return SecurityEvent{}, fmt.Errorf("scan security event: %w", err)
	}
	event.PeerDeviceID = stringPtr(peerID)
	event.RemoteAddr = stringPtr(remoteAddr)
	return event, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
