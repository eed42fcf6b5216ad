package network

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// DefaultPort is the well-known transfer port.
	DefaultPort = 52525
	// MaxEnvelopeSize caps the declared envelope length (10 MB).
	MaxEnvelopeSize = 10 * 1024 * 1024
	// DefaultChunkSize is the body chunk size used by both sides.
	DefaultChunkSize = 8192
	// MinChunkSize is the smallest accepted chunk size.
	MinChunkSize = 4096
	// DefaultConnectTimeout bounds TCP dial duration.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultReadTimeout bounds every blocking socket read and write.
	DefaultReadTimeout = 60 * time.Second

	unknownSender = "Unknown"
)

// Kind identifies the transfer carried by one connection.
type Kind string

const (
	KindText Kind = "TEXT"
	KindFile Kind = "FILE"
)

// Handshake tokens, sent as raw ASCII without framing.
var (
	TokenAck   = []byte("ACK")
	TokenReady = []byte("READY")
)

var (
	// ErrEnvelopeTooLarge indicates the declared length exceeds MaxEnvelopeSize.
	ErrEnvelopeTooLarge = fmt.Errorf("%w: envelope exceeds max size", ErrProtocol)
	// ErrInvalidKind indicates the type field is missing or unknown.
	ErrInvalidKind = fmt.Errorf("%w: invalid envelope type", ErrProtocol)
)

// Envelope describes one transfer request and precedes any raw payload bytes.
type Envelope struct {
	Kind     Kind   `json:"type"`
	Sender   string `json:"sender"`
	Content  string `json:"content"`
	FileSize int64  `json:"file_size"`
}

// NewTextEnvelope builds a TEXT envelope.
func NewTextEnvelope(sender, text string) Envelope {
	return Envelope{Kind: KindText, Sender: sender, Content: text}
}

// NewFileEnvelope builds a FILE envelope announcing size raw body bytes.
func NewFileEnvelope(sender, fileName string, size int64) Envelope {
	return Envelope{Kind: KindFile, Sender: sender, Content: fileName, FileSize: size}
}

// Validate checks the envelope invariants.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindText:
		if e.FileSize != 0 {
			return fmt.Errorf("%w: text envelope with file_size %d", ErrProtocol, e.FileSize)
		}
	case KindFile:
		if e.FileSize < 0 {
			return fmt.Errorf("%w: negative file_size %d", ErrProtocol, e.FileSize)
		}
	default:
		return fmt.Errorf("%w %q", ErrInvalidKind, e.Kind)
	}
	return nil
}

// EncodeEnvelope marshals an envelope to its structured-text form.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(envelope); err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return bytes.TrimRight(buffer.Bytes(), "\n"), nil
}

// DecodeEnvelope parses an envelope. Unknown fields are ignored and missing
// optional fields take their defaults.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var raw struct {
		Kind     Kind    `json:"type"`
		Sender   *string `json:"sender"`
		Content  string  `json:"content"`
		FileSize int64   `json:"file_size"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}

	envelope := Envelope{
		Kind:     raw.Kind,
		Sender:   unknownSender,
		Content:  raw.Content,
		FileSize: raw.FileSize,
	}
	if raw.Sender != nil {
		envelope.Sender = *raw.Sender
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxEnvelopeSize {
		return ErrEnvelopeTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A stream that ends before the
// declared length is satisfied is a protocol error.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, frameReadError("read frame length", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, frameReadError("read frame payload", err)
	}
	return payload, nil
}

// WriteEnvelope encodes and writes one envelope frame.
func WriteEnvelope(w io.Writer, envelope Envelope) error {
	payload, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadEnvelope reads and decodes one envelope frame.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(payload)
}

func frameReadError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// deadlineConn refreshes the connection deadline before every Read and Write,
// so each blocking call is bounded by timeout rather than the whole exchange.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, fmt.Errorf("set read deadline: %w", err)
		}
	}
	return c.Conn.Read(p)
}

func (c deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, fmt.Errorf("set write deadline: %w", err)
		}
	}
	return c.Conn.Write(p)
}
