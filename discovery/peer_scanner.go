package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"

	"easyconnect/models"
)

const (
	// EventPeerFound is emitted the first time an address resolves.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when a known peer stops re-announcing for
	// longer than PeerStaleAfter.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates. For EventPeerLost only Peer.Address is
// guaranteed to identify the peer.
type Event struct {
	Type EventType
	Peer models.Peer
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner collects advertisements in periodic browse windows and keeps
// the peer table current.
type PeerScanner struct {
	cfg        Config
	logger     *slog.Logger
	table      *peerTable
	events     chan<- Event
	localAddrs map[string]struct{}
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

func newPeerScanner(cfg Config, table *peerTable, events chan<- Event) *PeerScanner {
	return &PeerScanner{
		cfg:             cfg,
		logger:          cfg.Logger,
		table:           table,
		events:          events,
		localAddrs:      cfg.localAddressSet(),
		now:             time.Now,
		refreshRequests: make(chan refreshRequest),
	}
}

// Scan runs a single browse window without advertising and returns the
// peers seen during it.
func Scan(ctx context.Context, config Config) ([]models.Peer, error) {
	cfg := config.withDefaults()
	scanner := newPeerScanner(cfg, newPeerTable(), make(chan Event, 128))
	if err := scanner.runScan(ctx); err != nil {
		return nil, err
	}
	return scanner.table.snapshot(), nil
}

func (s *PeerScanner) start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
}

func (s *PeerScanner) stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *PeerScanner) refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrNotRunning
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrNotRunning
	}
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.cfg.RefreshInterval
	retry.MaxInterval = 8 * s.cfg.RefreshInterval
	retry.MaxElapsedTime = 0

	// Prime the peer table immediately.
	timer := time.NewTimer(s.nextDelay(s.runScan(s.ctx), retry))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			timer.Reset(s.nextDelay(s.runScan(s.ctx), retry))
		case req := <-s.refreshRequests:
			scanCtx, cancel := context.WithCancel(s.ctx)
			stop := context.AfterFunc(req.ctx, cancel)
			req.done <- s.runScan(scanCtx)
			stop()
			cancel()
		case <-s.ctx.Done():
			return
		}
	}
}

// nextDelay backs off after failed browse windows.
func (s *PeerScanner) nextDelay(scanErr error, retry *backoff.ExponentialBackOff) time.Duration {
	if scanErr == nil || s.ctx.Err() != nil {
		retry.Reset()
		return s.cfg.RefreshInterval
	}
	delay := retry.NextBackOff()
	s.logger.Warn("peer scan failed", slog.Any("err", scanErr), slog.Duration("retry_in", delay))
	return delay
}

func (s *PeerScanner) runScan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry != nil {
					s.observe(entry)
				}
			}
		}
	}()

	browseErr := s.cfg.browseFn(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return fmt.Errorf("browse %s: %w", s.cfg.Service, browseErr)
	}

	<-scanCtx.Done()
	<-collectorDone
	s.expireStale()
	return nil
}

func (s *PeerScanner) observe(entry *zeroconf.ServiceEntry) {
	instance := strings.TrimSpace(entry.Instance)
	txt := txtToMap(entry.Text)

	address, ok := preferredAddress(entry)
	if !ok {
		s.logger.Debug("advertisement did not resolve to an address", slog.String("instance", instance))
		return
	}
	if s.isSelf(instance, address, txt) {
		return
	}

	port := entry.Port
	if port <= 0 {
		port = models.DefaultTransferPort
	}
	name := txt[txtDeviceKey]
	if name == "" {
		name = instance
	}
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = address
	}

	peer := models.Peer{DisplayName: name, Address: address, Port: port}
	if s.table.upsert(peer, s.now()) {
		s.logger.Info("peer found", slog.String("name", peer.DisplayName), slog.String("endpoint", peer.Endpoint()))
		if s.emit(Event{Type: EventPeerFound, Peer: peer}) {
			s.table.markAnnounced(peer.Address)
		}
	}
}

func (s *PeerScanner) isSelf(instance, address string, txt map[string]string) bool {
	if id := txt[txtInstanceIDKey]; id != "" && id == s.cfg.InstanceID {
		return true
	}
	if s.cfg.DeviceName != "" && (instance == s.cfg.DeviceName || txt[txtDeviceKey] == s.cfg.DeviceName) {
		return true
	}
	_, local := s.localAddrs[address]
	return local
}

func (s *PeerScanner) expireStale() {
	for _, peer := range s.table.expire(s.now().Add(-s.cfg.PeerStaleAfter)) {
		s.logger.Info("peer went stale", slog.String("name", peer.DisplayName), slog.String("address", peer.Address))
		s.emit(Event{Type: EventPeerLost, Peer: peer})
	}
}

func (s *PeerScanner) emit(event Event) bool {
	select {
	case s.events <- event:
		return true
	default:
		s.logger.Debug("discovery event dropped", slog.String("type", string(event.Type)), slog.String("address", event.Peer.Address))
		return false
	}
}

// preferredAddress picks the first IPv4 address, then the first IPv6 one.
func preferredAddress(entry *zeroconf.ServiceEntry) (string, bool) {
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range group {
			if ip == nil || ip.IsUnspecified() {
				continue
			}
			return ip.String(), true
		}
	}
	return "", false
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
