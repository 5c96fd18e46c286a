package storage

import (
	"testing"
	"time"

	"peershare/models"
)

func TestExposeShareUpsertsGrant(t *testing.T) {
	store := newTestStore(t)

	issued := time.UnixMilli(1_700_000_000_000)
	grant := models.ShareGrant{
		ResourceID: "report.pdf",
		IssuerPeer: "10.0.0.2:7000",
		IssuedAt:   issued,
		ExpiresAt:  issued.Add(time.Minute),
		ReceivedAt: issued.Add(time.Second),
	}
	if err := store.ExposeShare(grant); err != nil {
		t.Fatalf("ExposeShare failed: %v", err)
	}

	grant.ExpiresAt = issued.Add(time.Hour)
	grant.ReceivedAt = issued.Add(2 * time.Second)
	if err := store.ExposeShare(grant); err != nil {
		t.Fatalf("ExposeShare refresh failed: %v", err)
	}

	grants, err := store.ListGrants()
	if err != nil {
		t.Fatalf("ListGrants failed: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant after refresh, got %d", len(grants))
	}
	got := grants[0]
	if got.ResourceID != grant.ResourceID || got.IssuerPeer != grant.IssuerPeer {
		t.Fatalf("unexpected grant identity: %+v", got)
	}
	if !got.ExpiresAt.Equal(grant.ExpiresAt) {
		t.Fatalf("expected refreshed expiry %v, got %v", grant.ExpiresAt, got.ExpiresAt)
	}
	if !got.ReceivedAt.Equal(grant.ReceivedAt) {
		t.Fatalf("expected refreshed received_at %v, got %v", grant.ReceivedAt, got.ReceivedAt)
	}
}

func TestExposeShareKeepsIssuersApart(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	for _, issuer := range []models.PeerAddress{"10.0.0.2:7000", "10.0.0.3:7000"} {
		if err := store.ExposeShare(models.ShareGrant{
			ResourceID: "shared.txt",
			IssuerPeer: issuer,
			IssuedAt:   now,
			ExpiresAt:  now.Add(time.Minute),
		}); err != nil {
			t.Fatalf("ExposeShare %s failed: %v", issuer, err)
		}
	}

	grants, err := store.ListGrants()
	if err != nil {
		t.Fatalf("ListGrants failed: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	for _, grant := range grants {
		if grant.ReceivedAt.IsZero() {
			t.Fatalf("expected received_at default for %s", grant.IssuerPeer)
		}
	}
}

func TestExposeShareRejectsIncompleteGrant(t *testing.T) {
	store := newTestStore(t)

	if err := store.ExposeShare(models.ShareGrant{IssuerPeer: "10.0.0.2:7000"}); err == nil {
		t.Fatalf("expected missing resource id to fail")
	}
	if err := store.ExposeShare(models.ShareGrant{ResourceID: "x"}); err == nil {
		t.Fatalf("expected missing issuer to fail")
	}
}

func TestActiveGrantsExcludesExpired(t *testing.T) {
	store := newTestStore(t)

	now := time.UnixMilli(1_700_000_000_000)
	grants := []models.ShareGrant{
		{ResourceID: "expired", IssuerPeer: "10.0.0.2:7000", IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Millisecond)},
		{ResourceID: "boundary", IssuerPeer: "10.0.0.2:7000", IssuedAt: now.Add(-time.Minute), ExpiresAt: now},
		{ResourceID: "live", IssuerPeer: "10.0.0.2:7000", IssuedAt: now, ExpiresAt: now.Add(time.Minute)},
	}
	for _, grant := range grants {
		if err := store.ExposeShare(grant); err != nil {
			t.Fatalf("ExposeShare %s failed: %v", grant.ResourceID, err)
		}
	}

	active, err := store.ActiveGrants(now)
	if err != nil {
		t.Fatalf("ActiveGrants failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active grants, got %d", len(active))
	}
	if active[0].ResourceID != "boundary" || active[1].ResourceID != "live" {
		t.Fatalf("unexpected active grants order: %s, %s", active[0].ResourceID, active[1].ResourceID)
	}
	for _, grant := range active {
		if !grant.Active(now) {
			t.Fatalf("grant %s reported inactive at %v", grant.ResourceID, now)
		}
	}
}
