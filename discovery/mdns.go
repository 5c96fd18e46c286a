package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

// Broadcaster publishes this node's session address over mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the service record described by config.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	port, err := cfg.advertisedPort()
	if err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, port, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", cfg.Instance, err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b != nil && b.server != nil {
		b.server.Shutdown()
	}
}

// Service pairs the broadcaster with a running scanner.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start advertises this node and begins browsing for others.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}
	scanner, err := NewPeerScanner(cfg)
	if err == nil {
		err = scanner.Start()
	}
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	return &Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// Stop shuts the scanner down before withdrawing the advertisement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	s.Broadcaster.Stop()
}
