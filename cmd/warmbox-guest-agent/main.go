//go:build linux

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/pcwill068-cloud/warmbox/internal/vsockping"
)

func main() {
	guestPort := portFromEnv("WARMBOX_VSOCK_PORT", vsockping.DefaultPort)
	readyPort := portFromEnv("WARMBOX_READY_PORT", vsockping.ReadyPort)

	// Bind the probe listener before announcing readiness so the host's
	// first liveness probe cannot race the ready frame.
	ln, err := listenVsock(guestPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen vsock: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	if err := announceReady(readyPort); err != nil {
		fmt.Fprintf(os.Stderr, "announce ready: %v\n", err)
		os.Exit(1)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		handleConn(conn)
	}
}

func portFromEnv(name string, fallback uint32) uint32 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s %q: %v\n", name, raw, err)
		os.Exit(2)
	}
	return uint32(parsed)
}

// announceReady connects back to the host and sends the ready frame. The
// host arms its listener before boot, but vsock comes up asynchronously
// with the rest of the guest, so dial failures are retried briefly.
func announceReady(readyPort uint32) error {
	var lastErr error
	for attempt := 0; attempt < 50; attempt++ {
		conn, err := vsock.Dial(vsock.Host, readyPort, nil)
		if err != nil {
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		err = vsockping.Encode(conn, vsockping.Frame{Type: vsockping.FrameReady})
		conn.Close()
		if err != nil {
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return nil
	}
	return fmt.Errorf("host ready port %d unreachable: %w", readyPort, lastErr)
}

// handleConn answers one liveness probe. The nonce is echoed back so the
// host can tell a live reply from a stale one.
func handleConn(conn net.Conn) {
	defer conn.Close()

	frame, err := vsockping.Decode(conn)
	if err != nil {
		return
	}
	if frame.Type != vsockping.FramePing {
		_ = vsockping.Encode(conn, vsockping.Frame{
			Type:  vsockping.FramePong,
			Nonce: frame.Nonce,
			Error: fmt.Sprintf("unexpected frame type %q", frame.Type),
		})
		return
	}
	_ = vsockping.Encode(conn, vsockping.Frame{Type: vsockping.FramePong, Nonce: frame.Nonce})
}

func listenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}
