package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fileEvent struct {
	sender   string
	fileName string
	path     string
}

type receiverRecorder struct {
	texts chan [2]string
	files chan fileEvent
	errs  chan error

	mu       sync.Mutex
	progress map[string][]int64
}

func newReceiverRecorder() *receiverRecorder {
	return &receiverRecorder{
		texts:    make(chan [2]string, 16),
		files:    make(chan fileEvent, 16),
		errs:     make(chan error, 16),
		progress: make(map[string][]int64),
	}
}

func (r *receiverRecorder) bind(options ReceiverOptions) ReceiverOptions {
	options.OnTextReceived = func(sender, text string) {
		r.texts <- [2]string{sender, text}
	}
	options.OnFileReceived = func(sender, fileName, path string) {
		r.files <- fileEvent{sender: sender, fileName: fileName, path: path}
	}
	options.OnFileProgress = func(fileName string, received, total int64) {
		r.mu.Lock()
		r.progress[fileName] = append(r.progress[fileName], received)
		r.mu.Unlock()
	}
	options.OnConnectionError = func(remote string, err error) {
		select {
		case r.errs <- err:
		default:
		}
	}
	return options
}

func (r *receiverRecorder) progressFor(fileName string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.progress[fileName]...)
}

func startTestReceiver(t *testing.T, recorder *receiverRecorder, options ReceiverOptions) *Receiver {
	t.Helper()

	options.ListenAddress = "127.0.0.1:0"
	if options.DestinationDir == "" {
		options.DestinationDir = t.TempDir()
	}
	receiver, err := Listen(recorder.bind(options))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = receiver.Close()
	})
	return receiver
}

func dialTestReceiver(t *testing.T, receiver *Receiver) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", receiver.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial receiver failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readExactly(conn net.Conn, n int) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return nil, err
	}
	buffer := make([]byte, n)
	read, err := io.ReadFull(conn, buffer)
	return buffer[:read], err
}

func expectClosedWithoutReply(t *testing.T, conn net.Conn) {
	t.Helper()
	got, err := readExactly(conn, 1)
	if err == nil {
		t.Fatalf("expected connection to close without reply, got %q", got)
	}
	if isTimeout(err) {
		t.Fatalf("expected connection to be closed by receiver, read timed out instead")
	}
}

func waitForFileEvent(t *testing.T, recorder *receiverRecorder) fileEvent {
	t.Helper()
	select {
	case event := <-recorder.files:
		return event
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for file received event")
	}
	return fileEvent{}
}

func waitForConnectionError(t *testing.T, recorder *receiverRecorder, kind error) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-recorder.errs:
			if errors.Is(err, kind) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connection error %v", kind)
		}
	}
}

func sendRawFile(t *testing.T, receiver *Receiver, sender, fileName string, body []byte) {
	t.Helper()

	conn := dialTestReceiver(t, receiver)
	if err := WriteEnvelope(conn, NewFileEnvelope(sender, fileName, int64(len(body)))); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	if got, err := readExactly(conn, len(TokenReady)); err != nil || !bytes.Equal(got, TokenReady) {
		t.Fatalf("expected READY, got %q (%v)", got, err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("write body failed: %v", err)
	}
	if got, err := readExactly(conn, len(TokenAck)); err != nil || !bytes.Equal(got, TokenAck) {
		t.Fatalf("expected ACK, got %q (%v)", got, err)
	}
}

func TestReceiverTextAcknowledgesThenEmits(t *testing.T) {
	recorder := newReceiverRecorder()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{})

	conn := dialTestReceiver(t, receiver)
	if err := WriteEnvelope(conn, NewTextEnvelope("A", "hello")); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	got, err := readExactly(conn, len(TokenAck))
	if err != nil {
		t.Fatalf("read ACK failed: %v", err)
	}
	if !bytes.Equal(got, TokenAck) {
		t.Fatalf("expected ACK, got %q", got)
	}

	select {
	case event := <-recorder.texts:
		if event != [2]string{"A", "hello"} {
			t.Fatalf("unexpected text event: %v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for text received event")
	}

	expectClosedWithoutReply(t, conn)
}

func TestReceiverFileReadsExactlyDeclaredSize(t *testing.T) {
	recorder := newReceiverRecorder()
	destination := t.TempDir()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{DestinationDir: destination})

	body := bytes.Repeat([]byte("0123456789"), 1000)
	sendRawFile(t, receiver, "A", "photo.jpg", body)

	event := waitForFileEvent(t, recorder)
	wantPath := filepath.Join(destination, "photo.jpg")
	if event.sender != "A" || event.fileName != "photo.jpg" || event.path != wantPath {
		t.Fatalf("unexpected file event: %+v", event)
	}

	stored, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read stored file failed: %v", err)
	}
	if !bytes.Equal(stored, body) {
		t.Fatalf("stored file differs from sent body: %d vs %d bytes", len(stored), len(body))
	}

	progress := recorder.progressFor("photo.jpg")
	if len(progress) == 0 || progress[len(progress)-1] != int64(len(body)) {
		t.Fatalf("expected progress to end at %d, got %v", len(body), progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("expected strictly increasing progress, got %v", progress)
		}
	}
}

func TestReceiverRenamesOnCollision(t *testing.T) {
	recorder := newReceiverRecorder()
	destination := t.TempDir()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{DestinationDir: destination})

	sendRawFile(t, receiver, "A", "report.pdf", []byte("first"))
	first := waitForFileEvent(t, recorder)
	sendRawFile(t, receiver, "A", "report.pdf", []byte("second"))
	second := waitForFileEvent(t, recorder)

	if filepath.Base(first.path) != "report.pdf" {
		t.Fatalf("expected first file at report.pdf, got %q", first.path)
	}
	if filepath.Base(second.path) != "report_1.pdf" {
		t.Fatalf("expected second file at report_1.pdf, got %q", second.path)
	}
	if second.fileName != "report.pdf" {
		t.Fatalf("expected event to carry the declared name, got %q", second.fileName)
	}

	firstBody, _ := os.ReadFile(first.path)
	secondBody, _ := os.ReadFile(second.path)
	if string(firstBody) != "first" || string(secondBody) != "second" {
		t.Fatalf("unexpected contents: %q, %q", firstBody, secondBody)
	}
}

func TestReceiverTruncatedBodySendsNoAck(t *testing.T) {
	recorder := newReceiverRecorder()
	destination := t.TempDir()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{DestinationDir: destination})

	conn := dialTestReceiver(t, receiver)
	if err := WriteEnvelope(conn, NewFileEnvelope("A", "partial.bin", 1000)); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	if got, err := readExactly(conn, len(TokenReady)); err != nil || !bytes.Equal(got, TokenReady) {
		t.Fatalf("expected READY, got %q (%v)", got, err)
	}
	if _, err := conn.Write(make([]byte, 500)); err != nil {
		t.Fatalf("write partial body failed: %v", err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	expectClosedWithoutReply(t, conn)
	waitForConnectionError(t, recorder, ErrTruncatedBody)

	select {
	case event := <-recorder.files:
		t.Fatalf("unexpected file received event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	entries, err := os.ReadDir(destination)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected partial file to be removed, found %d entries", len(entries))
	}
}

func TestReceiverMalformedEnvelopeClosesWithoutAck(t *testing.T) {
	recorder := newReceiverRecorder()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{})

	conn := dialTestReceiver(t, receiver)
	if err := WriteFrame(conn, []byte(`{"type":"TEXT","content":`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	expectClosedWithoutReply(t, conn)
	waitForConnectionError(t, recorder, ErrProtocol)
}

func TestReceiverConcurrentConnectionsAreIndependent(t *testing.T) {
	recorder := newReceiverRecorder()
	destination := t.TempDir()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{DestinationDir: destination})

	// A peer that declares a 100 byte envelope, sends 10 and hangs up.
	broken := dialTestReceiver(t, receiver)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 100)
	if _, err := broken.Write(append(header, []byte(`{"type":"T`)...)); err != nil {
		t.Fatalf("write truncated frame failed: %v", err)
	}

	body := bytes.Repeat([]byte{0xAB}, 64*1024)
	var group errgroup.Group
	group.Go(func() error {
		conn, err := net.Dial("tcp", receiver.Addr().String())
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := WriteEnvelope(conn, NewTextEnvelope("B", "concurrent")); err != nil {
			return err
		}
		got, err := readExactly(conn, len(TokenAck))
		if err != nil {
			return err
		}
		if !bytes.Equal(got, TokenAck) {
			return errors.New("text connection did not receive ACK")
		}
		return nil
	})
	group.Go(func() error {
		conn, err := net.Dial("tcp", receiver.Addr().String())
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := WriteEnvelope(conn, NewFileEnvelope("C", "data.bin", int64(len(body)))); err != nil {
			return err
		}
		if got, err := readExactly(conn, len(TokenReady)); err != nil || !bytes.Equal(got, TokenReady) {
			return errors.New("file connection did not receive READY")
		}
		if _, err := conn.Write(body); err != nil {
			return err
		}
		if got, err := readExactly(conn, len(TokenAck)); err != nil || !bytes.Equal(got, TokenAck) {
			return errors.New("file connection did not receive ACK")
		}
		return nil
	})

	_ = broken.Close()
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent transfers failed: %v", err)
	}

	select {
	case event := <-recorder.texts:
		if event != [2]string{"B", "concurrent"} {
			t.Fatalf("unexpected text event: %v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for text event")
	}
	event := waitForFileEvent(t, recorder)
	if event.sender != "C" || filepath.Base(event.path) != "data.bin" {
		t.Fatalf("unexpected file event: %+v", event)
	}
	waitForConnectionError(t, recorder, ErrProtocol)
}

func TestReceiverAbandonsIdleConnection(t *testing.T) {
	recorder := newReceiverRecorder()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{ReadTimeout: 100 * time.Millisecond})

	conn := dialTestReceiver(t, receiver)
	// Half a length prefix, then silence.
	if _, err := conn.Write([]byte{0, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	expectClosedWithoutReply(t, conn)
	waitForConnectionError(t, recorder, ErrTimeout)
}

func TestReceiverCloseTerminatesInFlightConnections(t *testing.T) {
	recorder := newReceiverRecorder()
	destination := t.TempDir()
	receiver := startTestReceiver(t, recorder, ReceiverOptions{
		DestinationDir: destination,
		ReadTimeout:    time.Minute,
	})

	conn := dialTestReceiver(t, receiver)
	if err := WriteEnvelope(conn, NewFileEnvelope("A", "big.bin", 1<<30)); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	if got, err := readExactly(conn, len(TokenReady)); err != nil || !bytes.Equal(got, TokenReady) {
		t.Fatalf("expected READY, got %q (%v)", got, err)
	}
	if _, err := conn.Write(make([]byte, 1024)); err != nil {
		t.Fatalf("write body failed: %v", err)
	}
	if receiver.ActiveConnections() != 1 {
		t.Fatalf("expected one active connection, got %d", receiver.ActiveConnections())
	}

	closed := make(chan struct{})
	go func() {
		_ = receiver.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on an in-flight connection")
	}

	if receiver.ActiveConnections() != 0 {
		t.Fatalf("expected no active connections after Close, got %d", receiver.ActiveConnections())
	}
	expectClosedWithoutReply(t, conn)

	if _, err := net.DialTimeout("tcp", receiver.Addr().String(), 500*time.Millisecond); err == nil {
		t.Fatalf("expected listener to be closed")
	}

	entries, _ := os.ReadDir(destination)
	if len(entries) != 0 {
		t.Fatalf("expected interrupted file to be removed, found %d entries", len(entries))
	}
}
