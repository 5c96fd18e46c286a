// Package registry tracks known and connected peers.
//
// Every operation takes the same mutex, so concurrent calls on one address
// resolve to a single final state and snapshots never observe a partial update.
package registry

import (
	"sort"
	"sync"
	"time"

	"peershare/models"
)

// Options controls Registry behavior.
type Options struct {
	Now func() time.Time
}

type record struct {
	state    models.PeerState
	lastSeen time.Time
	known    bool
}

// Registry is the only owner of the known/connected peer sets.
type Registry struct {
	now func() time.Time

	mu      sync.Mutex
	records map[models.PeerAddress]*record
}

// New creates an empty registry.
func New(options Options) *Registry {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:     now,
		records: make(map[models.PeerAddress]*record),
	}
}

// AddKnown inserts address into the known set if absent.
func (r *Registry) AddKnown(address models.PeerAddress) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(address)
	rec.known = true
}

// MarkConnecting records that a probe toward address has started.
func (r *Registry) MarkConnecting(address models.PeerAddress) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(address)
	if rec.state != models.PeerConnected {
		rec.state = models.PeerConnecting
	}
}

// MarkConnected records an open session with address. Connected peers join
// the known set.
func (r *Registry) MarkConnected(address models.PeerAddress) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(address)
	rec.state = models.PeerConnected
	rec.known = true
	rec.lastSeen = r.now()
}

// MarkDisconnected moves address out of the connected set. Known membership
// is kept.
func (r *Registry) MarkDisconnected(address models.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[address]
	if !ok {
		return
	}
	rec.state = models.PeerUnreachable
	rec.lastSeen = r.now()
}

// MarkUnreachable records a failed probe. It never demotes a connected peer,
// since a probe can race with an inbound session from the same address.
func (r *Registry) MarkUnreachable(address models.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[address]
	if !ok || rec.state == models.PeerConnected {
		return
	}
	rec.state = models.PeerUnreachable
}

// Forget removes address from the known set. A connected peer keeps its
// record until it disconnects.
func (r *Registry) Forget(address models.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[address]
	if !ok {
		return
	}
	rec.known = false
	if rec.state != models.PeerConnected {
		delete(r.records, address)
	}
}

// IsConnected reports whether address currently has an open session.
func (r *Registry) IsConnected(address models.PeerAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[address]
	return ok && rec.state == models.PeerConnected
}

// SnapshotConnected returns a sorted copy of the connected set.
func (r *Registry) SnapshotConnected() []models.PeerAddress {
	return r.snapshot(func(rec *record) bool { return rec.state == models.PeerConnected })
}

// SnapshotKnown returns a sorted copy of the known set.
func (r *Registry) SnapshotKnown() []models.PeerAddress {
	return r.snapshot(func(rec *record) bool { return rec.known })
}

// Record returns a copy of one peer record.
func (r *Registry) Record(address models.PeerAddress) (models.PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[address]
	if !ok {
		return models.PeerRecord{}, false
	}
	return toPeerRecord(address, rec), true
}

// Records returns copies of all peer records sorted by address.
func (r *Registry) Records() []models.PeerRecord {
	r.mu.Lock()
	out := make([]models.PeerRecord, 0, len(r.records))
	for address, rec := range r.records {
		out = append(out, toPeerRecord(address, rec))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) snapshot(include func(*record) bool) []models.PeerAddress {
	r.mu.Lock()
	out := make([]models.PeerAddress, 0, len(r.records))
	for address, rec := range r.records {
		if include(rec) {
			out = append(out, address)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) recordLocked(address models.PeerAddress) *record {
	rec, ok := r.records[address]
	if !ok {
		rec = &record{state: models.PeerUnreachable}
		r.records[address] = rec
	}
	return rec
}

func toPeerRecord(address models.PeerAddress, rec *record) models.PeerRecord {
	return models.PeerRecord{
		Address:  address,
		State:    rec.state,
		LastSeen: rec.lastSeen,
		Known:    rec.known,
	}
}
