package storage

import (
	"testing"
	"time"
)

func TestLogAndQuerySecurityEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	peer := "10.0.0.7:7000"

	if err := store.LogSecurityEvent(SecurityEvent{
		EventType:   EventShareDenied,
		PeerAddress: &peer,
		Details:     `{"reason":"expired"}`,
		Severity:    SecuritySeverityWarning,
		Timestamp:   now - 1_000,
	}); err != nil {
		t.Fatalf("LogSecurityEvent share_denied failed: %v", err)
	}
	if err := store.LogSecurityEvent(SecurityEvent{
		EventType:   EventProtocolViolation,
		PeerAddress: &peer,
		Details:     `{"error":"unknown verb"}`,
		Severity:    SecuritySeverityCritical,
		Timestamp:   now,
	}); err != nil {
		t.Fatalf("LogSecurityEvent protocol_violation failed: %v", err)
	}

	all, err := store.GetSecurityEvents(SecurityEventFilter{
		PeerAddress: peer,
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 security events, got %d", len(all))
	}
	if all[0].EventType != EventProtocolViolation {
		t.Fatalf("expected newest event type protocol_violation, got %q", all[0].EventType)
	}
	if all[1].EventType != EventShareDenied {
		t.Fatalf("expected older event type share_denied, got %q", all[1].EventType)
	}
	if all[0].PeerAddress == nil || *all[0].PeerAddress != peer {
		t.Fatalf("expected peer address %q, got %v", peer, all[0].PeerAddress)
	}

	filtered, err := store.GetSecurityEvents(SecurityEventFilter{
		EventType:   EventShareDenied,
		PeerAddress: peer,
		Severity:    SecuritySeverityWarning,
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents filtered failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered security event, got %d", len(filtered))
	}
	if filtered[0].Details != `{"reason":"expired"}` {
		t.Fatalf("unexpected filtered event details: %q", filtered[0].Details)
	}
}

func TestLogSecurityEventValidatesInput(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogSecurityEvent(SecurityEvent{EventType: "  "}); err == nil {
		t.Fatalf("expected missing event type to fail")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: EventShareDenied, Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity to fail")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: EventShareDenied, Details: "{not json"}); err == nil {
		t.Fatalf("expected invalid details to fail")
	}

	blank := "   "
	if err := store.LogSecurityEvent(SecurityEvent{EventType: EventShareDenied, PeerAddress: &blank}); err != nil {
		t.Fatalf("LogSecurityEvent with blank peer failed: %v", err)
	}
	events, err := store.GetSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
	if events[0].PeerAddress != nil {
		t.Fatalf("expected blank peer address to be stored as NULL, got %q", *events[0].PeerAddress)
	}
	if events[0].Severity != SecuritySeverityInfo || events[0].Details != "{}" {
		t.Fatalf("expected defaults info/{} got %q/%q", events[0].Severity, events[0].Details)
	}
}

func TestCountSecurityEventsGroupsByType(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	for i, eventType := range []string{EventShareDenied, EventShareDenied, EventProtocolViolation} {
		if err := store.LogSecurityEvent(SecurityEvent{
			EventType: eventType,
			Severity:  SecuritySeverityWarning,
			Timestamp: now - int64(i),
		}); err != nil {
			t.Fatalf("LogSecurityEvent %d failed: %v", i, err)
		}
	}

	counts, err := store.CountSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("CountSecurityEvents failed: %v", err)
	}
	if counts[EventShareDenied] != 2 || counts[EventProtocolViolation] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	denied, err := store.CountSecurityEvents(SecurityEventFilter{EventType: EventShareDenied})
	if err != nil {
		t.Fatalf("CountSecurityEvents filtered failed: %v", err)
	}
	if len(denied) != 1 || denied[EventShareDenied] != 2 {
		t.Fatalf("unexpected filtered counts: %v", denied)
	}
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(1 * time.Second)

	now := nowUnixMilli()

	if err := store.LogSecurityEvent(SecurityEvent{
		EventType: "old_event",
		Details:   `{"state":"old"}`,
		Severity:  SecuritySeverityInfo,
		Timestamp: now - 10_000,
	}); err != nil {
		t.Fatalf("LogSecurityEvent old_event failed: %v", err)
	}
	if err := store.LogSecurityEvent(SecurityEvent{
		EventType: "new_event",
		Details:   `{"state":"new"}`,
		Severity:  SecuritySeverityInfo,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogSecurityEvent new_event failed: %v", err)
	}

	events, err := store.GetSecurityEvents(SecurityEventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after retention prune, got %d", len(events))
	}
	if events[0].EventType != "new_event" {
		t.Fatalf("expected retained event type new_event, got %q", events[0].EventType)
	}
}
