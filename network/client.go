package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"easyconnect/models"
)

// ProgressFunc receives cumulative bytes sent and the declared total.
type ProgressFunc func(sent, total int64)

// SenderOptions configures outbound transfers.
type SenderOptions struct {
	// DeviceName is advertised as the envelope sender.
	DeviceName string
	// ConnectTimeout must be shorter than ReadTimeout.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkSize      int
	Logger         *slog.Logger
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
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

func (o SenderOptions) validate() error {
	if o.DeviceName == "" {
		return errors.New("device name is required")
	}
	if o.ConnectTimeout >= o.ReadTimeout {
		return fmt.Errorf("connect timeout %s must be shorter than read timeout %s", o.ConnectTimeout, o.ReadTimeout)
	}
	return nil
}

// Sender opens one connection per transfer. It holds no per-transfer state
// and is safe for concurrent use.
type Sender struct {
	options SenderOptions
	logger  *slog.Logger
}

// NewSender validates options and returns a Sender.
func NewSender(options SenderOptions) (*Sender, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Sender{
		options: opts,
		logger:  opts.Logger.With(slog.String("component", "sender")),
	}, nil
}

// SendText delivers text to peer and waits for its ACK. Cancelling ctx closes
// the connection and yields ErrCancelled.
func (s *Sender) SendText(ctx context.Context, peer models.Peer, text string) error {
	envelope := NewTextEnvelope(s.options.DeviceName, text)
	if err := s.exchange(ctx, peer, "send text", envelope, nil); err != nil {
		return err
	}
	s.logger.Info("text sent", slog.String("peer", peer.Endpoint()), slog.Int("length", len(text)))
	return nil
}

// SendFile streams the file at filePath to peer after it answers READY, then
// waits for its ACK. onProgress may be nil.
func (s *Sender) SendFile(ctx context.Context, peer models.Peer, filePath string, onProgress ProgressFunc) error {
	const op = "send file"

	file, err := os.Open(filePath)
	if err != nil {
		return newTransferError(ErrLocalIO, op, err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return newTransferError(ErrLocalIO, op, err)
	}
	if info.IsDir() {
		return newTransferError(ErrLocalIO, op, fmt.Errorf("%q is a directory", filePath))
	}

	size := info.Size()
	envelope := NewFileEnvelope(s.options.DeviceName, filepath.Base(filePath), size)
	body := func(w io.Writer) error {
		return s.streamBody(w, file, size, onProgress)
	}
	if err := s.exchange(ctx, peer, op, envelope, body); err != nil {
		return err
	}
	s.logger.Info("file sent", slog.String("peer", peer.Endpoint()), slog.String("file", envelope.Content), slog.Int64("size", size))
	return nil
}

// SendTextAsync runs SendText on its own goroutine. The channel yields exactly one result.
func (s *Sender) SendTextAsync(ctx context.Context, peer models.Peer, text string) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- s.SendText(ctx, peer, text)
	}()
	return result
}

// SendFileAsync runs SendFile on its own goroutine. The channel yields exactly one result.
func (s *Sender) SendFileAsync(ctx context.Context, peer models.Peer, filePath string, onProgress ProgressFunc) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- s.SendFile(ctx, peer, filePath, onProgress)
	}()
	return result
}

func (s *Sender) exchange(ctx context.Context, peer models.Peer, op string, envelope Envelope, body func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return newTransferError(ErrCancelled, op, err)
	}

	dialer := net.Dialer{Timeout: s.options.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Endpoint())
	if err != nil {
		if ctx.Err() != nil {
			return newTransferError(ErrCancelled, op, context.Cause(ctx))
		}
		return newTransferError(ErrConnectFailed, op, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	err = s.handshake(conn, envelope, body)
	if !stop() {
		return newTransferError(ErrCancelled, op, context.Cause(ctx))
	}
	if err != nil {
		var transferErr *TransferError
		if errors.As(err, &transferErr) {
			transferErr.Op = op
			return transferErr
		}
		return newTransferError(ErrPeerRejected, op, err)
	}
	return nil
}

// handshake runs envelope -> (READY -> body) -> ACK on one connection.
func (s *Sender) handshake(conn net.Conn, envelope Envelope, body func(io.Writer) error) error {
	stream := deadlineConn{Conn: conn, timeout: s.options.ReadTimeout}

	if err := WriteEnvelope(stream, envelope); err != nil {
		return classifyStreamError(err)
	}

	if envelope.Kind == KindFile {
		if err := expectToken(stream, TokenReady); err != nil {
			return err
		}
		if err := body(stream); err != nil {
			return err
		}
	}
	return expectToken(stream, TokenAck)
}

func (s *Sender) streamBody(w io.Writer, src io.Reader, total int64, onProgress ProgressFunc) error {
	buffer := make([]byte, s.options.ChunkSize)
	limited := io.LimitReader(src, total)

	var sent int64
	for sent < total {
		n, readErr := limited.Read(buffer)
		if n > 0 {
			if _, err := w.Write(buffer[:n]); err != nil {
				return classifyStreamError(fmt.Errorf("write body: %w", err))
			}
			sent += int64(n)
			if onProgress != nil {
				onProgress(sent, total)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return newTransferError(ErrLocalIO, "read source", readErr)
		}
	}
	if sent != total {
		return newTransferError(ErrLocalIO, "read source", fmt.Errorf("source shrank to %d of %d bytes", sent, total))
	}
	return nil
}

func expectToken(r io.Reader, token []byte) error {
	got := make([]byte, len(token))
	n, err := io.ReadFull(r, got)
	if err != nil {
		if isTimeout(err) {
			return newTransferError(ErrTimeout, "", fmt.Errorf("await %s: %w", token, err))
		}
		return newTransferError(ErrPeerRejected, "", fmt.Errorf("await %s: got %q: %w", token, got[:n], err))
	}
	if !bytes.Equal(got, token) {
		return newTransferError(ErrPeerRejected, "", fmt.Errorf("await %s: got %q", token, got))
	}
	return nil
}

func classifyStreamError(err error) error {
	if isTimeout(err) {
		return newTransferError(ErrTimeout, "", err)
	}
	return newTransferError(ErrPeerRejected, "", err)
}
