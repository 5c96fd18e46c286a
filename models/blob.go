package models

import "time"

// Blob describes one locally stored resource.
type Blob struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	StoredPath string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ShareGrant records a verified share claim received from a peer.
type ShareGrant struct {
	ResourceID string      `json:"resource_id"`
	IssuerPeer PeerAddress `json:"issuer_peer"`
	IssuedAt   time.Time   `json:"issued_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Active reports whether the grant is still inside its validity window.
func (g ShareGrant) Active(now time.Time) bool {
	return !now.After(g.ExpiresAt)
}
