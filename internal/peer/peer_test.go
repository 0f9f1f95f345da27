package peer

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/protocol"
)

func init() {
	if err := config.Init(); err != nil {
		panic(err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dialRawHandshake connects to addr and writes a raw handshake for
// infoHash/peerID, returning the open connection for the caller to drive
// further.
func dialRawHandshake(t *testing.T, addr string, infoHash, peerID [sha1.Size]byte) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	hs := protocol.NewHandshake(infoHash, peerID)
	if _, err := hs.WriteTo(conn); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	return conn
}

func TestAcceptPeer_CompletesHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	var infoHash [sha1.Size]byte
	copy(infoHash[:], "info_hash_1234567890")
	var remotePeerID [sha1.Size]byte
	copy(remotePeerID[:], "remote_peer_id_______")

	conn := dialRawHandshake(t, ln.Addr().String(), infoHash, remotePeerID)
	defer conn.Close()

	accepted, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	opts := &PeerOpts{Log: discardLogger(), InfoHash: infoHash, PieceCount: 1}
	p, err := AcceptPeer(context.Background(), accepted, opts)
	if err != nil {
		t.Fatalf("AcceptPeer: %v", err)
	}
	defer p.Close()

	if p.Addr().Addr().String() != "127.0.0.1" {
		t.Fatalf("Addr() = %v, want 127.0.0.1", p.Addr())
	}
}

func TestAcceptPeer_InfoHashMismatchFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	var ours, theirs [sha1.Size]byte
	copy(ours[:], "our_info_hash________")
	copy(theirs[:], "their_info_hash______")
	var remotePeerID [sha1.Size]byte
	copy(remotePeerID[:], "remote_peer_id_______")

	conn := dialRawHandshake(t, ln.Addr().String(), theirs, remotePeerID)
	defer conn.Close()

	accepted, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	opts := &PeerOpts{Log: discardLogger(), InfoHash: ours, PieceCount: 1}
	if _, err := AcceptPeer(context.Background(), accepted, opts); err == nil {
		t.Fatalf("AcceptPeer: want error on info hash mismatch, got nil")
	}
}

func TestNewPeer_DialTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var infoHash [sha1.Size]byte
	opts := &PeerOpts{Log: discardLogger(), InfoHash: infoHash, PieceCount: 1}

	// 203.0.113.0/24 is reserved for documentation (RFC 5737): guaranteed
	// non-routable, so the dial blocks until ctx is cancelled.
	if _, err := NewPeer(ctx, netip.MustParseAddrPort("203.0.113.1:54321"), opts); err == nil {
		t.Fatalf("NewPeer: want error dialing unroutable address, got nil")
	}
}
