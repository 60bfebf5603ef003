// Package vsockping defines the readiness and liveness wire protocol spoken
// between the host runner and the in-guest agent over the vsock channel.
// The channel carries handshake traffic only, never workload payloads.
package vsockping

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultPort is the guest-side vsock port the agent listens on.
const DefaultPort uint32 = 10800

// ReadyPort is the host-side port the agent connects to right after boot to
// announce readiness.
const ReadyPort uint32 = 10801

const (
	FrameReady = "ready"
	FramePing  = "ping"
	FramePong  = "pong"
)

// Frame is one newline-delimited JSON message on the channel.
type Frame struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
	Error string `json:"error,omitempty"`
}

func Encode(w io.Writer, frame Frame) error {
	if strings.TrimSpace(frame.Type) == "" {
		return errors.New("missing frame type")
	}
	return json.NewEncoder(w).Encode(frame)
}

func Decode(r io.Reader) (Frame, error) {
	var frame Frame
	if err := json.NewDecoder(r).Decode(&frame); err != nil {
		return Frame{}, err
	}
	frame.Type = strings.ToLower(strings.TrimSpace(frame.Type))
	if frame.Type == "" {
		return Frame{}, errors.New("missing frame type")
	}
	return frame, nil
}

// Ping performs one ping/pong exchange on an established connection. The
// nonce must round-trip so a stale peer cannot satisfy a fresh probe.
func Ping(rw io.ReadWriter, nonce string) error {
	if err := Encode(rw, Frame{Type: FramePing, Nonce: nonce}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	reply, err := Decode(rw)
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if reply.Type != FramePong {
		return fmt.Errorf("unexpected reply type %q", reply.Type)
	}
	if reply.Nonce != nonce {
		return fmt.Errorf("pong nonce mismatch: sent %q, got %q", nonce, reply.Nonce)
	}
	if reply.Error != "" {
		return fmt.Errorf("guest reported error: %s", reply.Error)
	}
	return nil
}
