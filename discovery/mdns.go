package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"easyconnect/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_easyconnect._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

const (
	txtVersionKey    = "version"
	txtDeviceKey     = "device"
	txtInstanceIDKey = "instance_id"
)

var (
	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("discovery: already running")
	// ErrNotRunning is returned by operations that need a running service.
	ErrNotRunning = errors.New("discovery: not running")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type interfaceAddrsFunc func() ([]net.Addr, error)

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// PeerStaleAfter drops peers that have not been re-announced for this long.
	PeerStaleAfter time.Duration

	DeviceName   string
	TransferPort int
	// InstanceID tags this run's advertisement. Generated when empty.
	InstanceID string
	// LocalAddresses are this host's own IPs. Read from the interfaces when empty.
	LocalAddresses []string

	Logger *slog.Logger

	registerFn       registerFunc
	browseFn         browseFunc
	interfaceAddrsFn interfaceAddrsFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 3 * out.RefreshInterval
	}
	if out.TransferPort <= 0 {
		out.TransferPort = models.DefaultTransferPort
	}
	if out.InstanceID == "" {
		out.InstanceID = uuid.NewString()
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browseZeroconf
	}
	if out.interfaceAddrsFn == nil {
		out.interfaceAddrsFn = net.InterfaceAddrs
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.TransferPort > 65535 {
		return fmt.Errorf("transfer port %d out of range", c.TransferPort)
	}
	return nil
}

// localAddressSet returns the configured local addresses, falling back to
// the host's interface addresses.
func (c Config) localAddressSet() map[string]struct{} {
	out := make(map[string]struct{})
	for _, raw := range c.LocalAddresses {
		if ip := net.ParseIP(strings.TrimSpace(raw)); ip != nil {
			out[ip.String()] = struct{}{}
		}
	}
	if len(out) > 0 {
		return out
	}

	addrs, err := c.interfaceAddrsFn()
	if err != nil {
		c.Logger.Warn("list interface addresses failed", slog.Any("err", err))
		return out
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil {
			out[ip.String()] = struct{}{}
		}
	}
	return out
}

// browseZeroconf runs one browse window. A resolver shuts down with its
// context, so every window gets a fresh one.
func browseZeroconf(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		txtVersionKey + "=" + strconv.Itoa(cfg.Version),
		txtDeviceKey + "=" + cfg.DeviceName,
		txtInstanceIDKey + "=" + cfg.InstanceID,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.TransferPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info("advertising device",
		slog.String("name", cfg.DeviceName),
		slog.String("service", cfg.Service),
		slog.Int("port", cfg.TransferPort),
	)
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates mDNS broadcast and scanning. It can be stopped and
// started again; every Start begins from an empty peer table.
type Service struct {
	cfg    Config
	table  *peerTable
	events chan Event

	mu          sync.Mutex
	broadcaster *Broadcaster
	scanner     *PeerScanner
}

// NewService validates config and prepares a stopped service.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	cfg.Logger = cfg.Logger.With(slog.String("component", "discovery"))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		table:  newPeerTable(),
		events: make(chan Event, 128),
	}, nil
}

// Start begins advertising and scanning.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanner != nil {
		return ErrAlreadyRunning
	}

	broadcaster, err := StartBroadcaster(s.cfg)
	if err != nil {
		return err
	}

	scanner := newPeerScanner(s.cfg, s.table, s.events)
	scanner.start()

	s.broadcaster = broadcaster
	s.scanner = scanner
	return nil
}

// Stop unregisters the advertisement, stops scanning and clears the peer table.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanner == nil {
		return
	}
	s.scanner.stop()
	s.broadcaster.Stop()
	s.table.clear()
	s.drainEvents()

	s.scanner = nil
	s.broadcaster = nil
	s.cfg.Logger.Info("discovery stopped")
}

// drainEvents discards events queued by the stopped run. The scanner has
// exited, so nothing refills the channel.
func (s *Service) drainEvents() {
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanner != nil
}

// Refresh runs an immediate scan window and returns when it ends.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	scanner := s.scanner
	s.mu.Unlock()

	if scanner == nil {
		return ErrNotRunning
	}
	return scanner.refresh(ctx)
}

// Peers returns a snapshot of the peer table sorted by display name, then address.
func (s *Service) Peers() []models.Peer {
	return s.table.snapshot()
}

// PeerByAddress looks up a discovered peer by network address.
func (s *Service) PeerByAddress(address string) (models.Peer, bool) {
	return s.table.lookup(address)
}

// Events provides asynchronous discovery updates. The channel outlives
// Stop so consumers can keep reading across restarts; events still queued
// at Stop are discarded. When the buffer is full a peer_found is retried on
// the peer's next sighting, so Peers() may briefly list a peer first.
func (s *Service) Events() <-chan Event {
	return s.events
}

// InstanceID returns the identifier carried by this service's advertisement.
func (s *Service) InstanceID() string {
	return s.cfg.InstanceID
}
