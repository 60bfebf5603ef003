package vsockping

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Encode(&buf, Frame{Type: FrameReady, Nonce: "abc"}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	frame, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameReady || frame.Nonce != "abc" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestDecodeNormalizesType(t *testing.T) {
	t.Parallel()

	frame, err := Decode(strings.NewReader(`{"type":"  PING "}` + "\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FramePing {
		t.Fatalf("got type %q", frame.Type)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	t.Parallel()

	if _, err := Decode(strings.NewReader(`{"nonce":"x"}` + "\n")); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		frame, err := Decode(server)
		if err != nil {
			return
		}
		_ = Encode(server, Frame{Type: FramePong, Nonce: frame.Nonce})
	}()

	if err := Ping(client, "nonce-1"); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestPingRejectsNonceMismatch(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		if _, err := Decode(server); err != nil {
			return
		}
		_ = Encode(server, Frame{Type: FramePong, Nonce: "stale"})
	}()

	err := Ping(client, "fresh")
	if err == nil || !strings.Contains(err.Error(), "nonce mismatch") {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}
}

func TestPingRejectsWrongType(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		if _, err := Decode(server); err != nil {
			return
		}
		_ = Encode(server, Frame{Type: FrameReady})
	}()

	err := Ping(client, "n")
	if err == nil || !strings.Contains(err.Error(), "unexpected reply type") {
		t.Fatalf("expected type error, got %v", err)
	}
}
