package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// ReceiverOptions configures the inbound transfer listener.
type ReceiverOptions struct {
	// ListenAddress defaults to ":52525".
	ListenAddress  string
	DestinationDir string
	ReadTimeout    time.Duration
	ChunkSize      int
	Logger         *slog.Logger

	OnTextReceived    func(sender, text string)
	OnFileReceived    func(sender, fileName, path string)
	OnFileProgress    func(fileName string, received, total int64)
	OnConnectionError func(remote string, err error)
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(DefaultPort)
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.ChunkSize < MinChunkSize {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

func (o ReceiverOptions) validate() error {
	if o.DestinationDir == "" {
		return errors.New("destination directory is required")
	}
	return nil
}

// Receiver accepts inbound transfer connections, one envelope per connection.
type Receiver struct {
	listener net.Listener
	options  ReceiverOptions
	logger   *slog.Logger

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the transfer port and starts the accept loop.
func Listen(options ReceiverOptions) (*Receiver, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.DestinationDir, 0o755); err != nil {
		return nil, newTransferError(ErrLocalIO, "create destination directory", err)
	}

	listener, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.ListenAddress, err)
	}

	receiver := &Receiver{
		listener: listener,
		options:  opts,
		logger:   opts.Logger.With(slog.String("component", "receiver")),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	receiver.wg.Add(1)
	go receiver.acceptLoop()
	receiver.logger.Info("transfer receiver listening", slog.String("addr", listener.Addr().String()))
	return receiver, nil
}

// Addr returns the listening address.
func (r *Receiver) Addr() net.Addr {
	return r.listener.Addr()
}

// ActiveConnections returns the number of connections currently being handled.
func (r *Receiver) ActiveConnections() int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return len(r.conns)
}

// Close stops accepting, force-closes every in-flight connection and waits
// for their handlers to return.
func (r *Receiver) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.closed)
		closeErr = r.listener.Close()

		r.connMu.Lock()
		for conn := range r.conns {
			_ = conn.Close()
		}
		r.connMu.Unlock()

		r.wg.Wait()
		r.logger.Info("transfer receiver stopped")
	})
	return closeErr
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}

			delay := retry.NextBackOff()
			r.logger.Warn("accept connection failed", slog.Any("err", err), slog.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-r.closed:
				return
			}
			continue
		}
		retry.Reset()

		if !r.trackConn(conn) {
			_ = conn.Close()
			return
		}

		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

func (r *Receiver) trackConn(conn net.Conn) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	select {
	case <-r.closed:
		return false
	default:
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Receiver) untrackConn(conn net.Conn) {
	r.connMu.Lock()
	delete(r.conns, conn)
	r.connMu.Unlock()
}

func (r *Receiver) stopping() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Receiver) reportError(remote string, err error) {
	if err == nil {
		return
	}

	// Connections torn down by Close surface as net.ErrClosed.
	if r.stopping() && errors.Is(err, net.ErrClosed) {
		r.logger.Debug("connection closed by shutdown", slog.String("remote", remote))
		return
	}

	r.logger.Warn("inbound transfer failed", slog.String("remote", remote), slog.Any("err", err))
	if r.options.OnConnectionError != nil {
		r.options.OnConnectionError(remote, err)
	}
}
