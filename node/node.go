package node

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"easyconnect/config"
	"easyconnect/discovery"
	"easyconnect/models"
	"easyconnect/network"
)

// PeerDirectory is the discovery surface a Node drives.
type PeerDirectory interface {
	Start() error
	Stop()
	Peers() []models.Peer
	PeerByAddress(address string) (models.Peer, bool)
	Events() <-chan discovery.Event
}

// Options configures a Node.
type Options struct {
	// Config defaults to config.Default().
	Config   *config.Config
	Listener Listener
	// Executor defaults to Inline.
	Executor Executor
	Logger   *slog.Logger

	// ListenAddress overrides ":<transfer port>".
	ListenAddress string
	// Directory overrides the mDNS discovery service.
	Directory PeerDirectory
}

// Node runs discovery and the transfer receiver together and sends on
// behalf of the caller. Every outward notification goes through Listener
// on the configured Executor.
type Node struct {
	cfg       config.Config
	listener  Listener
	executor  Executor
	logger    *slog.Logger
	sender    *network.Sender
	directory PeerDirectory
	listen    string

	mu       sync.Mutex
	receiver *network.Receiver
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates options and builds a stopped Node.
func New(options Options) (*Node, error) {
	cfg := config.Default()
	if options.Config != nil {
		copied := *options.Config
		copied.Normalize()
		cfg = &copied
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listener := options.Listener
	if listener == nil {
		listener = ListenerFuncs{}
	}
	executor := options.Executor
	if executor == nil {
		executor = Inline
	}

	sender, err := network.NewSender(network.SenderOptions{
		DeviceName:     cfg.DeviceName,
		ConnectTimeout: time.Duration(cfg.ConnectTimeout),
		ReadTimeout:    time.Duration(cfg.ReadTimeout),
		ChunkSize:      cfg.ChunkSize,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	directory := options.Directory
	if directory == nil {
		service, err := discovery.NewService(discovery.Config{
			DeviceName:   cfg.DeviceName,
			TransferPort: cfg.TransferPort,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		directory = service
	}

	listen := options.ListenAddress
	if listen == "" {
		listen = ":" + strconv.Itoa(cfg.TransferPort)
	}

	return &Node{
		cfg:       *cfg,
		listener:  listener,
		executor:  executor,
		logger:    logger.With(slog.String("component", "node")),
		sender:    sender,
		directory: directory,
		listen:    listen,
	}, nil
}

// Start binds the transfer port, then begins advertising and scanning.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.receiver != nil {
		return nil
	}

	receiver, err := network.Listen(network.ReceiverOptions{
		ListenAddress:  n.listen,
		DestinationDir: n.cfg.ReceiveDir,
		ReadTimeout:    time.Duration(n.cfg.ReadTimeout),
		ChunkSize:      n.cfg.ChunkSize,
		Logger:         n.logger,
		OnTextReceived: func(sender, text string) {
			n.executor.Execute(func() { n.listener.TextReceived(sender, text) })
		},
		OnFileReceived: func(sender, fileName, path string) {
			n.executor.Execute(func() { n.listener.FileReceived(sender, fileName, path) })
		},
		OnFileProgress: func(fileName string, received, total int64) {
			n.executor.Execute(func() { n.listener.FileReceiveProgress(fileName, received, total) })
		},
	})
	if err != nil {
		return err
	}

	if err := n.directory.Start(); err != nil {
		_ = receiver.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.receiver = receiver
	n.cancel = cancel

	n.wg.Add(1)
	go n.forwardDiscovery(ctx)

	n.logger.Info("node started",
		slog.String("device", n.cfg.DeviceName),
		slog.String("addr", receiver.Addr().String()),
		slog.String("receive_dir", n.cfg.ReceiveDir),
	)
	return nil
}

// Stop withdraws the advertisement, clears discovered peers and closes the
// receiver together with any in-flight inbound connections. It waits for the
// goroutines that deliver listener callbacks, so a callback running under the
// Inline executor must use StopAsync instead.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.receiver == nil {
		return nil
	}

	n.directory.Stop()
	n.cancel()
	n.wg.Wait()
	err := n.receiver.Close()

	n.receiver = nil
	n.cancel = nil
	n.logger.Info("node stopped")
	return err
}

// StopAsync runs Stop on its own goroutine and reports its result on the
// returned channel.
func (n *Node) StopAsync() <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- n.Stop()
	}()
	return result
}

// Addr returns the receiver's bound address, or nil when stopped.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.receiver == nil {
		return nil
	}
	return n.receiver.Addr()
}

// DeviceName returns the name this node advertises and sends as.
func (n *Node) DeviceName() string {
	return n.cfg.DeviceName
}

// Peers returns a snapshot of discovered peers.
func (n *Node) Peers() []models.Peer {
	return n.directory.Peers()
}

// PeerByAddress looks up a discovered peer.
func (n *Node) PeerByAddress(address string) (models.Peer, bool) {
	return n.directory.PeerByAddress(address)
}

// SendText delivers text to peer and blocks until the outcome is known.
func (n *Node) SendText(ctx context.Context, peer models.Peer, text string) error {
	return n.sender.SendText(ctx, peer, text)
}

// SendFile streams filePath to peer, reporting progress to the Listener.
func (n *Node) SendFile(ctx context.Context, peer models.Peer, filePath string) error {
	return n.sender.SendFile(ctx, peer, filePath, n.sendProgress)
}

// SendTextAsync is SendText on a background goroutine. The channel yields one result.
func (n *Node) SendTextAsync(ctx context.Context, peer models.Peer, text string) <-chan error {
	return n.sender.SendTextAsync(ctx, peer, text)
}

// SendFileAsync is SendFile on a background goroutine. The channel yields one result.
func (n *Node) SendFileAsync(ctx context.Context, peer models.Peer, filePath string) <-chan error {
	return n.sender.SendFileAsync(ctx, peer, filePath, n.sendProgress)
}

func (n *Node) sendProgress(sent, total int64) {
	n.executor.Execute(func() { n.listener.SendProgress(sent, total) })
}

func (n *Node) forwardDiscovery(ctx context.Context) {
	defer n.wg.Done()

	events := n.directory.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			switch event.Type {
			case discovery.EventPeerFound:
				peer := event.Peer
				n.executor.Execute(func() { n.listener.PeerFound(peer) })
			case discovery.EventPeerLost:
				address := event.Peer.Address
				n.executor.Execute(func() { n.listener.PeerLost(address) })
			}
		}
	}
}
