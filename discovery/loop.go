package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peershare/logging"
	"peershare/models"
	"peershare/network"
	"peershare/registry"
)

const (
	// DefaultInterval is the pause between discovery ticks.
	DefaultInterval = 10 * time.Second
	// DefaultProbeTimeout bounds one connect attempt.
	DefaultProbeTimeout = network.DefaultConnectTimeout
	// DefaultMaxConcurrentProbes caps in-flight probes per tick.
	DefaultMaxConcurrentProbes = 16
)

// ErrTickInProgress is returned by Tick while another tick is running.
var ErrTickInProgress = errors.New("discovery: tick already in progress")

// Sessions is the part of the session manager the loop drives.
type Sessions interface {
	Self() models.PeerAddress
	Session(address models.PeerAddress) *network.Session
	HasOpenSession(address models.PeerAddress) bool
	Connect(ctx context.Context, address models.PeerAddress) (*network.Session, error)
	SendDiscover(s *network.Session) error
	Events() <-chan network.SessionClosed
}

// LoopOptions configures the discovery loop.
type LoopOptions struct {
	Registry *registry.Registry
	Sessions Sessions
	Logger   *slog.Logger

	Interval            time.Duration
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int

	// KeepDroppedPeers disables eviction of peers whose established session
	// dropped. Eviction is on by default.
	KeepDroppedPeers bool
}

// TickResult summarizes one probe round.
type TickResult struct {
	Probed      int
	Connected   int
	Unreachable int
}

// Loop periodically probes every known peer and applies the eviction policy
// to session closures.
type Loop struct {
	options LoopOptions
	logger  *slog.Logger

	tickMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewLoop validates options and returns a stopped loop.
func NewLoop(options LoopOptions) (*Loop, error) {
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	if options.ProbeTimeout <= 0 {
		options.ProbeTimeout = DefaultProbeTimeout
	}
	if options.MaxConcurrentProbes <= 0 {
		options.MaxConcurrentProbes = DefaultMaxConcurrentProbes
	}

	return &Loop{
		options: options,
		logger:  logging.Child(options.Logger, "discovery"),
		stop:    make(chan struct{}),
	}, nil
}

// Start runs one tick immediately, then one per interval, and begins
// consuming session closures.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(2)
		go l.run()
		go l.consumeClosures(l.options.Sessions.Events())
	})
}

// Stop ends the loop after the running tick finishes.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

// Tick probes every known peer once.
func (l *Loop) Tick(ctx context.Context) (TickResult, error) {
	if !l.tickMu.TryLock() {
		return TickResult{}, ErrTickInProgress
	}
	defer l.tickMu.Unlock()

	self := l.options.Sessions.Self()
	known := l.options.Registry.SnapshotKnown()

	var (
		resultMu sync.Mutex
		result   TickResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.options.MaxConcurrentProbes)
	for _, address := range known {
		if address == self {
			continue
		}
		g.Go(func() error {
			connected := l.probe(gctx, address)
			resultMu.Lock()
			result.Probed++
			if connected {
				result.Connected++
			} else {
				result.Unreachable++
			}
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result, ctx.Err()
}

// probe reports whether address ended the probe with an open session.
func (l *Loop) probe(ctx context.Context, address models.PeerAddress) bool {
	sessions := l.options.Sessions
	peer := logging.Peer(address.String())

	s := sessions.Session(address)
	if s == nil {
		l.options.Registry.MarkConnecting(address)

		probeCtx, cancel := context.WithTimeout(ctx, l.options.ProbeTimeout)
		var err error
		s, err = sessions.Connect(probeCtx, address)
		cancel()
		if err != nil {
			var connectErr *network.ConnectError
			if errors.As(err, &connectErr) {
				l.logger.Warn("peer unreachable", peer, "kind", connectErr.Kind, logging.Error(connectErr.Err))
			} else {
				l.logger.Warn("peer probe failed", peer, logging.Error(err))
			}
			l.options.Registry.MarkUnreachable(address)
			return false
		}
	}

	if err := sessions.SendDiscover(s); err != nil {
		l.logger.Debug("discover not sent", peer, logging.Error(err))
	}
	return true
}

func (l *Loop) run() {
	defer l.wg.Done()

	l.runTick()

	ticker := time.NewTicker(l.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runTick()
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) runTick() {
	result, err := l.Tick(context.Background())
	if errors.Is(err, ErrTickInProgress) {
		l.logger.Debug("tick skipped, previous tick still running")
		return
	}
	if result.Probed > 0 {
		l.logger.Debug("tick finished", "probed", result.Probed, "connected", result.Connected, "unreachable", result.Unreachable)
	}
}

func (l *Loop) consumeClosures(events <-chan network.SessionClosed) {
	defer l.wg.Done()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			l.HandleSessionClosed(event)
		case <-l.stop:
			return
		}
	}
}

// HandleSessionClosed removes a peer from the known set when its established
// session dropped. Local, replaced and duplicate closures never evict.
func (l *Loop) HandleSessionClosed(event network.SessionClosed) {
	if l.options.KeepDroppedPeers || !event.WasOpen || !event.Reason.Dropped() {
		return
	}
	if event.Peer == "" || event.Peer == l.options.Sessions.Self() {
		return
	}
	// A crossed dial can drop one connection while its twin stays open.
	if l.options.Sessions.HasOpenSession(event.Peer) {
		return
	}
	l.options.Registry.Forget(event.Peer)
	l.logger.Info("peer evicted", logging.Peer(event.Peer.String()), "reason", string(event.Reason))
}
