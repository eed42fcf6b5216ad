package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"easyconnect/models"
	"easyconnect/network"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		target string
		want   models.Peer
		ok     bool
	}{
		{target: "10.0.0.5", want: models.Peer{DisplayName: "10.0.0.5", Address: "10.0.0.5", Port: 52525}, ok: true},
		{target: "10.0.0.5:6000", want: models.Peer{DisplayName: "10.0.0.5", Address: "10.0.0.5", Port: 6000}, ok: true},
		{target: "fe80::1", want: models.Peer{DisplayName: "fe80::1", Address: "fe80::1", Port: 52525}, ok: true},
		{target: "[fe80::1]:6000", want: models.Peer{DisplayName: "fe80::1", Address: "fe80::1", Port: 6000}, ok: true},
		{target: "Alice Laptop (linux)", ok: false},
	}

	for _, tc := range cases {
		got, ok, err := parseTarget(tc.target, 52525)
		if err != nil {
			t.Fatalf("parseTarget(%q) failed: %v", tc.target, err)
		}
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseTarget(%q) = %+v, %v; want %+v, %v", tc.target, got, ok, tc.want, tc.ok)
		}
	}

	for _, bad := range []string{"", "10.0.0.5:0", "10.0.0.5:port"} {
		if _, _, err := parseTarget(bad, 52525); err == nil {
			t.Fatalf("expected parseTarget(%q) to fail", bad)
		}
	}
}

func TestResolvePeerByName(t *testing.T) {
	peers := []models.Peer{
		{DisplayName: "Bob", Address: "10.0.0.2", Port: 52525},
		{DisplayName: "Twin", Address: "10.0.0.3", Port: 52525},
		{DisplayName: "twin", Address: "10.0.0.4", Port: 52525},
	}
	scans := 0
	scan := func(ctx context.Context) ([]models.Peer, error) {
		scans++
		return peers, nil
	}

	got, err := resolvePeer(context.Background(), "bob", 52525, scan)
	if err != nil {
		t.Fatalf("resolvePeer failed: %v", err)
	}
	if got != peers[0] {
		t.Fatalf("unexpected peer: %+v", got)
	}

	if _, err := resolvePeer(context.Background(), "Twin", 52525, scan); err == nil {
		t.Fatalf("expected ambiguous name to fail")
	}
	if _, err := resolvePeer(context.Background(), "Nobody", 52525, scan); err == nil {
		t.Fatalf("expected unknown name to fail")
	}

	before := scans
	if _, err := resolvePeer(context.Background(), "10.0.0.9", 52525, scan); err != nil {
		t.Fatalf("resolvePeer by address failed: %v", err)
	}
	if scans != before {
		t.Fatalf("expected address targets to skip discovery")
	}

	scanErr := errors.New("no interfaces")
	_, err = resolvePeer(context.Background(), "Bob", 52525, func(ctx context.Context) ([]models.Peer, error) {
		return nil, scanErr
	})
	if !errors.Is(err, scanErr) {
		t.Fatalf("expected scan error to be wrapped, got %v", err)
	}
}

func TestDescribeSendErrorKeepsOutcome(t *testing.T) {
	peer := models.Peer{DisplayName: "Bob", Address: "10.0.0.2", Port: 52525}
	cause := &network.TransferError{Kind: network.ErrTimeout, Op: "send text", Err: fmt.Errorf("await ACK: i/o timeout")}

	err := describeSendError(peer, cause)
	if !errors.Is(err, network.ErrTimeout) {
		t.Fatalf("expected ErrTimeout to survive wrapping, got %v", err)
	}
	if !strings.Contains(err.Error(), "Bob (10.0.0.2:52525)") {
		t.Fatalf("expected peer label in %q", err.Error())
	}

	plain := errors.New("boom")
	if got := describeSendError(peer, plain); got != plain {
		t.Fatalf("expected unclassified errors to pass through, got %v", got)
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	printer := newProgressPrinter(&buf, true, "/tmp/photo.jpg")
	printer.update(0, 10000)
	printer.update(50, 10000)
	printer.update(5000, 10000)
	printer.update(10000, 10000)
	printer.finish(true)

	out := buf.String()
	if strings.Count(out, "\r") != 3 {
		t.Fatalf("expected one redraw per distinct percentage, got %q", out)
	}
	if !strings.Contains(out, "photo.jpg 100% (9.8 KiB / 9.8 KiB)") {
		t.Fatalf("unexpected final line in %q", out)
	}

	buf.Reset()
	quiet := newProgressPrinter(&buf, false, "photo.jpg")
	quiet.update(10, 10)
	quiet.finish(true)
	if buf.Len() != 0 {
		t.Fatalf("expected no output without a terminal, got %q", buf.String())
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KiB",
		1536:    "1.5 KiB",
		1 << 20: "1.0 MiB",
	}
	for input, want := range cases {
		if got := formatBytes(input); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", input, got, want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)

	if !strings.Contains(buf.String(), "Version:  "+Version) {
		t.Fatalf("unexpected version output %q", buf.String())
	}
}
