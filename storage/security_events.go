package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// SetSecurityEventRetention sets how long security events are kept. A
// non-positive value restores the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent records a denied share or protocol violation. Rows older
// than the retention window are pruned on every insert.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	event, err := normalizeSecurityEvent(event)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO security_events (
			event_type,
			peer_address,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(event.PeerAddress),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return err
		}
	}
	return nil
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := securityEventWhere(filter)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultSecurityEventLimit
	case limit > maxSecurityEventLimit:
		limit = maxSecurityEventLimit
	}
	offset := max(filter.Offset, 0)

	query := `SELECT id, event_type, peer_address, details, severity, timestamp
		FROM security_events` + where + `
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// CountSecurityEvents returns the number of events per type matching filter.
// Limit and Offset are ignored.
func (s *Store) CountSecurityEvents(filter SecurityEventFilter) (map[string]int, error) {
	where, args, err := securityEventWhere(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT event_type, COUNT(1) FROM security_events`+where+` GROUP BY event_type`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("count security events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan security event count: %w", err)
		}
		counts[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event counts: %w", err)
	}
	return counts, nil
}

// PruneSecurityEvents deletes events older than cutoffTimestamp (unix millis)
// and returns how many were removed.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read pruned security event count: %w", err)
	}
	return removed, nil
}

func normalizeSecurityEvent(event SecurityEvent) (SecurityEvent, error) {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return event, errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return event, err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return event, errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	if event.PeerAddress != nil {
		peer := strings.TrimSpace(*event.PeerAddress)
		if peer == "" {
			event.PeerAddress = nil
		} else {
			event.PeerAddress = &peer
		}
	}
	return event, nil
}

func securityEventWhere(filter SecurityEventFilter) (string, []any, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return "", nil, err
		}
	}

	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if filter.EventType != "" {
		add("event_type = ?", filter.EventType)
	}
	if filter.PeerAddress != "" {
		add("peer_address = ?", filter.PeerAddress)
	}
	if filter.Severity != "" {
		add("severity = ?", filter.Severity)
	}
	if filter.FromTimestamp != nil {
		add("timestamp >= ?", *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		add("timestamp <= ?", *filter.ToTimestamp)
	}
	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func scanSecurityEvent(row rowScanner) (*SecurityEvent, error) {
	var (
		event       SecurityEvent
		peerAddress sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerAddress,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.PeerAddress = stringPtr(peerAddress)
	return &event, nil
}
