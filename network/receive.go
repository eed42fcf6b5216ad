package network

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
)

// ErrTruncatedBody indicates the peer closed before the declared file size arrived.
var ErrTruncatedBody = fmt.Errorf("%w: body shorter than declared file_size", ErrProtocol)

// receiveState names the per-connection state machine steps.
type receiveState string

const (
	stateAwaitEnvelope receiveState = "AWAIT_ENVELOPE"
	stateAckText       receiveState = "ACK_TEXT"
	stateReceiveBody   receiveState = "RECEIVE_BODY"
	stateAckFile       receiveState = "ACK_FILE"
)

// inboundSession is one accepted connection. It carries exactly one envelope.
type inboundSession struct {
	receiver *Receiver
	stream   deadlineConn
	remote   string
	state    receiveState
	logger   *slog.Logger
}

func (r *Receiver) handleConn(conn net.Conn) {
	defer r.wg.Done()
	defer r.untrackConn(conn)
	defer func() {
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	session := &inboundSession{
		receiver: r,
		stream:   deadlineConn{Conn: conn, timeout: r.options.ReadTimeout},
		remote:   remote,
		state:    stateAwaitEnvelope,
		logger:   r.logger.With(slog.String("remote", remote)),
	}

	if err := session.run(); err != nil {
		r.reportError(remote, fmt.Errorf("%s: %w", session.state, err))
	}
}

func (s *inboundSession) run() error {
	envelope, err := ReadEnvelope(s.stream)
	if err != nil {
		return classifyReadError(err)
	}

	switch envelope.Kind {
	case KindText:
		return s.receiveText(envelope)
	case KindFile:
		return s.receiveFile(envelope)
	default:
		return fmt.Errorf("%w %q", ErrInvalidKind, envelope.Kind)
	}
}

func (s *inboundSession) receiveText(envelope Envelope) error {
	s.state = stateAckText
	if _, err := s.stream.Write(TokenAck); err != nil {
		return classifyReadError(fmt.Errorf("write ack: %w", err))
	}

	s.logger.Info("text received", slog.String("sender", envelope.Sender), slog.Int("length", len(envelope.Content)))
	if s.receiver.options.OnTextReceived != nil {
		s.receiver.options.OnTextReceived(envelope.Sender, envelope.Content)
	}
	return nil
}

func (s *inboundSession) receiveFile(envelope Envelope) error {
	opts := s.receiver.options
	fileName := envelope.Content

	file, path, err := createUniqueFile(opts.DestinationDir, fileName)
	if err != nil {
		return newTransferError(ErrLocalIO, "reserve destination", err)
	}

	complete := false
	defer func() {
		if !complete {
			_ = file.Close()
			_ = os.Remove(path)
		}
	}()

	if _, err := s.stream.Write(TokenReady); err != nil {
		return classifyReadError(fmt.Errorf("write ready: %w", err))
	}

	s.state = stateReceiveBody
	s.logger.Info("receiving file",
		slog.String("sender", envelope.Sender),
		slog.String("file", fileName),
		slog.Int64("size", envelope.FileSize),
	)

	if err := s.copyBody(file, fileName, envelope.FileSize); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return newTransferError(ErrLocalIO, "close destination", err)
	}

	s.state = stateAckFile
	if _, err := s.stream.Write(TokenAck); err != nil {
		return classifyReadError(fmt.Errorf("write ack: %w", err))
	}
	complete = true

	s.logger.Info("file received", slog.String("file", fileName), slog.String("path", path))
	if opts.OnFileReceived != nil {
		opts.OnFileReceived(envelope.Sender, fileName, path)
	}
	return nil
}

// copyBody reads exactly total bytes into dst, never past the declared size.
func (s *inboundSession) copyBody(dst io.Writer, fileName string, total int64) error {
	opts := s.receiver.options
	buffer := make([]byte, opts.ChunkSize)

	var received int64
	for received < total {
		want := int64(len(buffer))
		if remaining := total - received; remaining < want {
			want = remaining
		}

		n, readErr := s.stream.Read(buffer[:want])
		if n > 0 {
			if _, err := dst.Write(buffer[:n]); err != nil {
				return newTransferError(ErrLocalIO, "write destination", err)
			}
			received += int64(n)
			if opts.OnFileProgress != nil {
				opts.OnFileProgress(fileName, received, total)
			}
		}
		if readErr != nil {
			if received == total {
				break
			}
			if errors.Is(readErr, io.EOF) {
				return fmt.Errorf("%w: got %d of %d bytes", ErrTruncatedBody, received, total)
			}
			return classifyReadError(fmt.Errorf("read body: %w", readErr))
		}
	}
	return nil
}

func classifyReadError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProtocol):
		return err
	case isTimeout(err):
		return newTransferError(ErrTimeout, "connection idle", err)
	default:
		return err
	}
}
