package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"peershare/models"
)

// ErrScannerStopped is returned by Refresh once Stop has been called.
var ErrScannerStopped = errors.New("discovery: scanner stopped")

// EventType identifies a change in the LAN peer table.
type EventType string

const (
	EventPeerUpserted EventType = "peer_upserted"
	EventPeerRemoved  EventType = "peer_removed"
)

// Event is one change in the LAN peer table.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a node seen on the LAN. Address is the session address it
// advertised, or its first resolved IP joined with the SRV port.
type DiscoveredPeer struct {
	Address   models.PeerAddress
	Instance  string
	Version   int
	Transport string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

func (p DiscoveredPeer) sameAdvert(other DiscoveredPeer) bool {
	return p.Address == other.Address &&
		p.Instance == other.Instance &&
		p.Version == other.Version &&
		p.Transport == other.Transport &&
		p.HostName == other.HostName &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

// PeerScanner browses for peers on a fixed interval and keeps every peer
// seen within Config.StaleAfter.
type PeerScanner struct {
	cfg    Config
	browse browseFunc

	root context.Context
	halt context.CancelFunc
	wg   sync.WaitGroup

	scanMu sync.Mutex

	mu     sync.RWMutex
	peers  map[models.PeerAddress]DiscoveredPeer
	events chan Event
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPeerScanner builds a scanner. Browsing uses a zeroconf resolver on all
// interfaces unless a browse function was injected.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("discovery: create resolver: %w", err)
		}
		browse = resolver.Browse
	}

	root, halt := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		root:   root,
		halt:   halt,
		peers:  make(map[models.PeerAddress]DiscoveredPeer),
		events: make(chan Event, 128),
	}, nil
}

// Start runs one scan immediately, then one per RefreshInterval.
func (s *PeerScanner) Start() error {
	if s.root.Err() != nil {
		return ErrScannerStopped
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.poll()
	})
	return nil
}

// Stop ends background scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.halt()
		s.wg.Wait()

		s.scanMu.Lock()
		defer s.scanMu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		close(s.events)
	})
}

// Events delivers peer table changes. Changes are dropped when the buffer is full.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan now and returns once its window has closed.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	return s.scan(ctx)
}

// ListPeers returns the peer table ordered by address.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		return strings.Compare(a.Address.String(), b.Address.String())
	})
	return out
}

func (s *PeerScanner) poll() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		_ = s.scan(s.root)
		select {
		case <-s.root.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan holds one browse window open for ScanTimeout and merges what it saw.
// Windows never overlap.
func (s *PeerScanner) scan(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.root.Err() != nil {
		return ErrScannerStopped
	}

	window, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()
	unlink := context.AfterFunc(s.root, cancel)
	defer unlink()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(chan map[models.PeerAddress]DiscoveredPeer, 1)
	go func() { found <- s.collect(window, entries) }()

	if err := s.browse(window, s.cfg.Service, s.cfg.Domain, entries); err != nil && window.Err() == nil {
		cancel()
		<-found
		return fmt.Errorf("discovery: browse %s: %w", s.cfg.Service, err)
	}
	<-window.Done()
	seen := <-found

	switch {
	case s.root.Err() != nil:
		return ErrScannerStopped
	case ctx.Err() != nil:
		return ctx.Err()
	}
	s.merge(seen, s.cfg.now())
	return nil
}

func (s *PeerScanner) collect(window context.Context, entries <-chan *zeroconf.ServiceEntry) map[models.PeerAddress]DiscoveredPeer {
	seen := make(map[models.PeerAddress]DiscoveredPeer)
	for {
		select {
		case <-window.Done():
			return seen
		case entry, ok := <-entries:
			if !ok {
				return seen
			}
			if entry == nil {
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg); ok {
				seen[peer.Address] = peer
			}
		}
	}
}

func (s *PeerScanner) merge(seen map[models.PeerAddress]DiscoveredPeer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for address, peer := range seen {
		peer.LastSeen = now
		previous, known := s.peers[address]
		s.peers[address] = peer
		if !known || !previous.sameAdvert(peer) {
			s.publish(EventPeerUpserted, peer)
		}
	}
	for address, peer := range s.peers {
		if now.Sub(peer.LastSeen) > s.cfg.StaleAfter {
			delete(s.peers, address)
			s.publish(EventPeerRemoved, peer)
		}
	}
}

func (s *PeerScanner) publish(kind EventType, peer DiscoveredPeer) {
	select {
	case s.events <- Event{Type: kind, Peer: peer}:
	default:
	}
}

// parseEntry turns a browse result into a peer. Entries from this node, from
// another protocol version, or advertising another transport are rejected.
func parseEntry(entry *zeroconf.ServiceEntry, cfg Config) (DiscoveredPeer, bool) {
	txt := parseTXT(entry.Text)

	version, _ := strconv.Atoi(txt[txtVersion])
	if version != cfg.Version {
		return DiscoveredPeer{}, false
	}
	transport := txt[txtTransport]
	if transport == "" {
		transport = defaultTransport
	}
	if transport != cfg.Transport {
		return DiscoveredPeer{}, false
	}

	ips := entryIPs(entry)
	advertised := txt[txtAddress]
	if advertised == "" && len(ips) > 0 && entry.Port > 0 {
		advertised = net.JoinHostPort(ips[0], strconv.Itoa(entry.Port))
	}
	address, err := models.ParsePeerAddress(advertised)
	if err != nil || address == cfg.Self {
		return DiscoveredPeer{}, false
	}

	return DiscoveredPeer{
		Address:   address,
		Instance:  strings.TrimSpace(entry.Instance),
		Version:   version,
		Transport: transport,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: ips,
	}, true
}

// entryIPs returns the entry's resolved addresses, sorted and deduplicated.
func entryIPs(entry *zeroconf.ServiceEntry) []string {
	ips := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip != nil {
			ips = append(ips, ip.String())
		}
	}
	slices.Sort(ips)
	return slices.Compact(ips)
}
