package storage

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"devicelink/models"
)

// ReplaceTrustedPeers rewrites the whole trust table in one transaction.
func (s *Store) ReplaceTrustedPeers(peers []models.PeerTrust) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin trust transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM trusted_peers`); err != nil {
		return fmt.Errorf("clear trusted peers: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO trusted_peers (
		device_id,
		public_key,
		shared_secret,
		accepted,
		display_name,
		last_ip,
		last_port,
		device_type,
		battery_hint,
		updated_timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trusted peer insert: %w", err)
	}
	defer stmt.Close()

	for _, peer := range peers {
		if strings.TrimSpace(peer.UUID) == "" {
			return fmt.Errorf("trusted peer device_id is required")
		}
		updated := peer.UpdatedAt
		if updated == 0 {
			updated = nowUnixMilli()
		}
		if _, err := stmt.Exec(
			peer.UUID,
			peer.PublicKey,
			base64.StdEncoding.EncodeToString(peer.SharedSecret),
			boolToInt(peer.Accepted),
			peer.DisplayName,
			peer.LastIP,
			peer.LastPort,
			peer.DeviceType,
			peer.BatteryHint,
			updated,
		); err != nil {
			return fmt.Errorf("insert trusted peer %q: %w", peer.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trust transaction: %w", err)
	}
	return nil
}

// ListTrustedPeers returns all persisted trust records ordered by device ID.
func (s *Store) ListTrustedPeers() ([]models.PeerTrust, error) {
	rows, err := s.db.Query(`SELECT
		device_id,
		public_key,
		shared_secret,
		accepted,
		display_name,
		last_ip,
		last_port,
		device_type,
		battery_hint,
		updated_timestamp
	FROM trusted_peers
	ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query trusted peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.PeerTrust, 0)
	for rows.Next() {
		peer, err := scanTrustedPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted peers: %w", err)
	}
	return peers, nil
}

// GetTrustedPeer loads one trust record.
func (s *Store) GetTrustedPeer(deviceID string) (*models.PeerTrust, error) {
	row := s.db.QueryRow(`SELECT
		device_id,
		public_key,
		shared_secret,
		accepted,
		display_name,
		last_ip,
		last_port,
		device_type,
		battery_hint,
		updated_timestamp
	FROM trusted_peers
	WHERE device_id = ?`, deviceID)

	peer, err := scanTrustedPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &peer, nil
}

// ReplaceRejected rewrites the rejected-device set.
func (s *Store) ReplaceRejected(deviceIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rejected transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM rejected_peers`); err != nil {
		return fmt.Errorf("clear rejected peers: %w", err)
	}
	now := nowUnixMilli()
	for _, id := range deviceIDs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO rejected_peers (device_id, rejected_timestamp) VALUES (?, ?)`,
			id, now,
		); err != nil {
			return fmt.Errorf("insert rejected peer %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rejected transaction: %w", err)
	}
	return nil
}

// ListRejected returns the persisted rejected device IDs.
func (s *Store) ListRejected() ([]string, error) {
	rows, err := s.db.Query(`SELECT device_id FROM rejected_peers ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query rejected peers: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rejected peer: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejected peers: %w", err)
	}
	return ids, nil
}

func scanTrustedPeer(row scanner) (models.PeerTrust, error) {
	var (
		peer     models.PeerTrust
		secret   string
		accepted int
	)
	if err := row.Scan(
		&peer.UUID,
		&peer.PublicKey,
		&secret,
		&accepted,
		&peer.DisplayName,
		&peer.LastIP,
		&peer.LastPort,
		&peer.DeviceType,
		&peer.BatteryHint,
		&peer.UpdatedAt,
	); err != nil {
		return models.PeerTrust{}, fmt.Errorf("scan trusted peer: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return models.PeerTrust{}, fmt.Errorf("decode shared secret for %q: %w", peer.UUID, err)
	}
	peer.SharedSecret = decoded
	peer.Accepted = accepted != 0
	return peer, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
