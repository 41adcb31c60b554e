package p2p

import (
	"io"
	"net"
	"testing"
	"time"
)

// pipeSessions wires two hosts together over an in-memory duplex connection
// and returns once both ends have registered live sessions.
func pipeSessions(t *testing.T, a, b *Host) (Session, Session) {
	t.Helper()
	connA, connB := net.Pipe()
	sa := newSession(a, connA, newPeer(PeerID{}))
	sb := newSession(b, connB, newPeer(PeerID{}))
	sa.Start()
	sb.Start()
	wait(t, func() bool { return a.HasLiveSession(b.ID()) && b.HasLiveSession(a.ID()) })
	return sa, sb
}

func TestSessionHelloExchange(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	sa, sb := pipeSessions(t, a, b)
	defer sa.Disconnect(ClientQuit)
	defer sb.Disconnect(ClientQuit)

	if a.PeerCount() != 1 || b.PeerCount() != 1 {
		t.Fatalf("peer counts = %d/%d, want 1/1", a.PeerCount(), b.PeerCount())
	}
}

func TestSessionPingRefreshesLastReceived(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	sa, sb := pipeSessions(t, a, b)
	defer sa.Disconnect(ClientQuit)
	defer sb.Disconnect(ClientQuit)

	before := sb.LastReceived()
	beforeA := sa.LastReceived()
	time.Sleep(5 * time.Millisecond)
	sa.Ping()
	wait(t, func() bool { return sb.LastReceived().After(before) })

	// The pong refreshes the pinger's side as well.
	wait(t, func() bool { return sa.LastReceived().After(beforeA) })
}

func TestSessionDisconnectPropagatesReason(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	sa, sb := pipeSessions(t, a, b)

	var remotePeer *Peer
	b.mu.Lock()
	for _, p := range b.peers {
		remotePeer = p
	}
	b.mu.Unlock()
	if remotePeer == nil {
		t.Fatal("remote peer record missing")
	}

	sa.Disconnect(ClientQuit)
	wait(t, func() bool { return !sb.IsOpen() })
	b.mu.Lock()
	reason := remotePeer.LastDisconnect
	b.mu.Unlock()
	if reason != ClientQuit {
		t.Fatalf("remote recorded reason %v, want ClientQuit", reason)
	}
}

func TestSessionRejectsIncompatibleProtocol(t *testing.T) {
	h := newTestHost(t)
	local, remote := net.Pipe()
	s := newSession(h, local, newPeer(PeerID{}))
	s.Start()

	// Drain the host's hello, then answer with a bad protocol version.
	hdr := make([]byte, frameHeaderSize)
	if err := readFull(remote, hdr); err != nil {
		t.Fatalf("read hello header: %v", err)
	}
	n, err := parseFrameHeader(hdr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := readFull(remote, make([]byte, n)); err != nil {
		t.Fatalf("read hello payload: %v", err)
	}

	frame, err := encodePacket(HelloMsg, helloPayload{
		Version: ProtocolVersion + 1,
		ID:      PeerID{0xEE},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	remote.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := remote.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	go io.Copy(io.Discard, remote)

	wait(t, func() bool { return !s.IsOpen() })
	if h.HasLiveSession(PeerID{0xEE}) {
		t.Fatal("incompatible peer registered")
	}
}

func TestSessionRejectsSelfConnection(t *testing.T) {
	h := newTestHost(t)
	local, remote := net.Pipe()
	s := newSession(h, local, newPeer(PeerID{}))
	s.Start()

	hdr := make([]byte, frameHeaderSize)
	if err := readFull(remote, hdr); err != nil {
		t.Fatalf("read hello header: %v", err)
	}
	n, err := parseFrameHeader(hdr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := readFull(remote, make([]byte, n)); err != nil {
		t.Fatalf("read hello payload: %v", err)
	}

	frame, err := encodePacket(HelloMsg, helloPayload{Version: ProtocolVersion, ID: h.ID()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	remote.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := remote.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	go io.Copy(io.Discard, remote)

	wait(t, func() bool { return !s.IsOpen() })
	if h.HasLiveSession(h.ID()) {
		t.Fatal("self session registered")
	}
}

// echoCapability counts packets delivered into its negotiated range.
type echoCapability struct {
	stubCapability
	received chan uint64
}

func (c *echoCapability) NewPeerCapability(s Session, offset uint64) PeerCapability {
	return &echoPeerCap{received: c.received}
}

type echoPeerCap struct {
	received chan uint64
}

func (c *echoPeerCap) HandlePacket(code uint64, payload []byte) error {
	c.received <- code
	return nil
}

func TestSessionDispatchesCapabilityPackets(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	capA := &echoCapability{
		stubCapability: stubCapability{name: "ech", version: 1, messages: 3},
		received:       make(chan uint64, 4),
	}
	capB := &echoCapability{
		stubCapability: stubCapability{name: "ech", version: 1, messages: 3},
		received:       make(chan uint64, 4),
	}
	a.RegisterCapability(capA)
	b.RegisterCapability(capB)

	sa, sb := pipeSessions(t, a, b)
	defer sa.Disconnect(ClientQuit)
	defer sb.Disconnect(ClientQuit)

	sa.(*session).enqueuePacket(UserPacketBase+1, nil)
	select {
	case code := <-capB.received:
		if code != UserPacketBase+1 {
			t.Fatalf("delivered code %#x, want %#x", code, UserPacketBase+1)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capability packet never delivered")
	}
}

func TestSessionDisconnectsOnUnnegotiatedCode(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	sa, sb := pipeSessions(t, a, b)
	defer sb.Disconnect(ClientQuit)

	// No capabilities were negotiated; a user packet is a protocol violation.
	sa.(*session).enqueuePacket(UserPacketBase, nil)
	wait(t, func() bool { return !sb.IsOpen() })
}
