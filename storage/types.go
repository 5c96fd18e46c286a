package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a blob, grant or event does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Severities accepted by the security_events table.
const (
	SecuritySeverityInfo     = "info"
	SecuritySeverityWarning  = "warning"
	SecuritySeverityCritical = "critical"
)

// Security event types written by the session layer.
const (
	EventShareDenied       = "share_denied"
	EventProtocolViolation = "protocol_violation"
)

// SecurityEvent is one row of the security audit log. Details holds JSON text.
type SecurityEvent struct {
	ID          int64   `json:"id"`
	EventType   string  `json:"event_type"`
	PeerAddress *string `json:"peer_address,omitempty"`
	Details     string  `json:"details"`
	Severity    string  `json:"severity"`
	Timestamp   int64   `json:"timestamp"`
}

// SecurityEventFilter selects events. Zero fields match everything;
// timestamps are unix millis and inclusive.
type SecurityEventFilter struct {
	EventType     string
	PeerAddress   string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	if severity == SecuritySeverityInfo || severity == SecuritySeverityWarning || severity == SecuritySeverityCritical {
		return nil
	}
	return fmt.Errorf("storage: unknown severity %q", severity)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func nowUnixMilli() int64 { return time.Now().UnixMilli() }
