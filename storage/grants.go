package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"peershare/models"
)

// ExposeShare records that a verified claim exposed a resource for its issuer.
// A repeated claim for the same resource and issuer refreshes the grant.
func (s *Store) ExposeShare(grant models.ShareGrant) error {
	if strings.TrimSpace(grant.ResourceID) == "" {
		return errors.New("grant resource id is required")
	}
	if grant.IssuerPeer == "" {
		return errors.New("grant issuer peer is required")
	}
	receivedAt := grant.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO share_grants (
			resource_id,
			issuer_peer,
			issued_at,
			expires_at,
			received_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_id, issuer_peer) DO UPDATE SET
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			received_at = excluded.received_at`,
		grant.ResourceID,
		grant.IssuerPeer.String(),
		grant.IssuedAt.UnixMilli(),
		grant.ExpiresAt.UnixMilli(),
		receivedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert share grant %q from %q: %w", grant.ResourceID, grant.IssuerPeer, err)
	}
	return nil
}

// ListGrants returns every recorded grant, most recently received first.
func (s *Store) ListGrants() ([]models.ShareGrant, error) {
	return s.queryGrants(
		`SELECT resource_id, issuer_peer, issued_at, expires_at, received_at
		FROM share_grants
		ORDER BY received_at DESC, resource_id, issuer_peer`,
	)
}

// ActiveGrants returns the grants that have not expired at now.
func (s *Store) ActiveGrants(now time.Time) ([]models.ShareGrant, error) {
	return s.queryGrants(
		`SELECT resource_id, issuer_peer, issued_at, expires_at, received_at
		FROM share_grants
		WHERE expires_at >= ?
		ORDER BY expires_at ASC, resource_id, issuer_peer`,
		now.UnixMilli(),
	)
}

func (s *Store) queryGrants(query string, args ...any) ([]models.ShareGrant, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query share grants: %w", err)
	}
	defer rows.Close()

	grants := make([]models.ShareGrant, 0)
	for rows.Next() {
		var (
			grant                           models.ShareGrant
			issuer                          string
			issuedAt, expiresAt, receivedAt int64
		)
		if err := rows.Scan(&grant.ResourceID, &issuer, &issuedAt, &expiresAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan share grant row: %w", err)
		}
		grant.IssuerPeer = models.PeerAddress(issuer)
		grant.IssuedAt = time.UnixMilli(issuedAt)
		grant.ExpiresAt = time.UnixMilli(expiresAt)
		grant.ReceivedAt = time.UnixMilli(receivedAt)
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share grant rows: %w", err)
	}
	return grants, nil
}
