package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"peerd/observability/logging"
)

const (
	helloTimeout     = 5 * time.Second
	readIdleTimeout  = 90 * time.Second
	writeTimeout     = 5 * time.Second
	outboundQueueLen = 64
)

// Session is a live, post-handshake connection to a peer. The host consumes
// this contract only; tests substitute their own implementations.
type Session interface {
	// Start performs the hello exchange and, on success, registers the
	// session with the host and begins servicing the connection.
	Start()

	IsOpen() bool
	LastReceived() time.Time

	Ping()
	Disconnect(reason DisconnectReason)

	// ServiceNodesRequest gives the session a chance to answer an outstanding
	// peer-list request. Driven from the host scheduler.
	ServiceNodesRequest()

	// AttachCapability installs a per-session sub-protocol instance owning the
	// packet codes [base, base+count).
	AttachCapability(desc CapDesc, cap PeerCapability, base, count uint64)
}

// SessionFactory builds a session around an owned socket and peer record.
type SessionFactory func(h *Host, conn net.Conn, p *Peer) Session

type packet struct {
	Code uint64
	Data rlp.RawValue
}

type helloPayload struct {
	Version       uint64
	ClientVersion string
	Caps          []CapDesc
	ListenPort    uint64
	ID            PeerID
}

type disconnectPayload struct {
	Reason uint64
}

type capRange struct {
	desc  CapDesc
	cap   PeerCapability
	base  uint64
	count uint64
}

// session is the concrete framed transport. It owns its socket: the socket is
// closed exactly once, on whichever failure or disconnect ends the session.
type session struct {
	host *Host
	conn net.Conn
	peer *Peer

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte

	mu             sync.Mutex
	caps           []capRange
	peersRequested bool

	lastReceived atomic.Int64
	open         atomic.Bool
	closeOnce    sync.Once
}

func newSession(h *Host, conn net.Conn, p *Peer) Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		host:     h,
		conn:     conn,
		peer:     p,
		logger:   h.log().With(slog.String("component", "p2p_session")),
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan []byte, outboundQueueLen),
	}
	s.lastReceived.Store(h.clock().UnixNano())
	s.open.Store(true)
	return s
}

func (s *session) Start() {
	go s.run()
}

func (s *session) run() {
	if err := s.hello(); err != nil {
		s.logger.Debug("Session hello failed",
			logging.MaskField("remote", s.conn.RemoteAddr().String()),
			slog.Any("error", err))
		s.close(TCPError)
		return
	}
	go s.writeLoop()
	s.readLoop()
}

// hello sends our hello packet and requires the peer's hello as the first
// inbound frame. On success the session is registered with the host under the
// peer's verified identity.
func (s *session) hello() error {
	our := helloPayload{
		Version:       ProtocolVersion,
		ClientVersion: s.host.ClientVersion(),
		Caps:          s.host.Caps(),
		ListenPort:    uint64(s.host.ListenPort()),
		ID:            s.host.ID(),
	}
	frame, err := encodePacket(HelloMsg, our)
	if err != nil {
		return err
	}
	// Send and receive concurrently; both sides lead with their hello.
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- s.writeFrame(frame, helloTimeout)
	}()

	if err := s.conn.SetReadDeadline(s.host.clock().Add(helloTimeout)); err != nil {
		return err
	}
	pkt, err := s.readPacket()
	if err != nil {
		return err
	}
	if err := <-sendErr; err != nil {
		return err
	}
	if pkt.Code != HelloMsg {
		s.sendDisconnect(BadProtocol)
		return fmt.Errorf("first packet has code %#x, want hello", pkt.Code)
	}
	var remote helloPayload
	if err := rlp.DecodeBytes(pkt.Data, &remote); err != nil {
		s.sendDisconnect(BadProtocol)
		return fmt.Errorf("decode hello: %w", err)
	}
	if remote.Version != ProtocolVersion {
		s.sendDisconnect(IncompatibleProtocol)
		return fmt.Errorf("peer speaks protocol %d, want %d", remote.Version, ProtocolVersion)
	}
	if remote.ID.IsZero() {
		s.sendDisconnect(NullIdentity)
		return errors.New("peer sent null identity")
	}
	if remote.ID == s.host.ID() {
		s.sendDisconnect(LocalIdentity)
		return errors.New("connected to self")
	}
	if !s.peer.ID.IsZero() && s.peer.ID != remote.ID {
		s.sendDisconnect(UnexpectedIdentity)
		return fmt.Errorf("peer identity %s does not match expected %s", remote.ID.Abridged(), s.peer.ID.Abridged())
	}
	s.peer.ID = remote.ID

	s.host.RegisterSession(s, s.peer, remote.Caps)
	s.logger.Info("Session established",
		logging.MaskField("peer_id", s.peer.ID.String()),
		slog.String("client_version", remote.ClientVersion))
	return nil
}

func (s *session) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(s.host.clock().Add(readIdleTimeout)); err != nil {
			s.close(TCPError)
			return
		}
		pkt, err := s.readPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.close(DisconnectRequested)
			} else {
				s.close(TCPError)
			}
			return
		}
		s.lastReceived.Store(s.host.clock().UnixNano())
		if !s.interpret(pkt) {
			return
		}
	}
}

// interpret dispatches one packet; the return value is false when the session
// ended as a result.
func (s *session) interpret(pkt *packet) bool {
	switch {
	case pkt.Code == DisconnectMsg:
		var dp disconnectPayload
		reason := DisconnectRequested
		if err := rlp.DecodeBytes(pkt.Data, &dp); err == nil {
			reason = DisconnectReason(dp.Reason)
		}
		s.close(reason)
		return false
	case pkt.Code == PingMsg:
		s.enqueuePacket(PongMsg, nil)
	case pkt.Code == PongMsg:
		// lastReceived already refreshed
	case pkt.Code == GetPeersMsg:
		s.mu.Lock()
		s.peersRequested = true
		s.mu.Unlock()
	case pkt.Code == PeersMsg:
		var nodes []Node
		if err := rlp.DecodeBytes(pkt.Data, &nodes); err != nil {
			s.protocolViolation(fmt.Errorf("decode peers: %w", err))
			return false
		}
		s.host.noteSharedNodes(nodes)
	case pkt.Code == HelloMsg:
		s.protocolViolation(errors.New("duplicate hello"))
		return false
	case pkt.Code >= UserPacketBase:
		inst := s.capabilityFor(pkt.Code)
		if inst == nil {
			s.protocolViolation(fmt.Errorf("packet code %#x outside negotiated ranges", pkt.Code))
			return false
		}
		if err := inst.HandlePacket(pkt.Code, pkt.Data); err != nil {
			s.protocolViolation(err)
			return false
		}
	default:
		s.protocolViolation(fmt.Errorf("unknown base packet code %#x", pkt.Code))
		return false
	}
	return true
}

func (s *session) protocolViolation(err error) {
	s.logger.Warn("Protocol violation",
		logging.MaskField("peer_id", s.peer.ID.String()),
		slog.Any("error", err))
	s.host.AdjustPeerRating(s.peer.ID, 0, -1)
	s.Disconnect(BadProtocol)
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.outbound:
			if err := s.writeFrame(frame, writeTimeout); err != nil {
				s.close(TCPError)
				return
			}
		}
	}
}

func (s *session) readPacket() (*packet, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return nil, err
	}
	n, err := parseFrameHeader(hdr)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, err
	}
	pkt := new(packet)
	if err := rlp.DecodeBytes(payload, pkt); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return pkt, nil
}

func (s *session) writeFrame(frame []byte, timeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(s.host.clock().Add(timeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(frame)
	return err
}

func encodePacket(code uint64, payload interface{}) ([]byte, error) {
	data := rlp.RawValue(rlp.EmptyList)
	if payload != nil {
		enc, err := rlp.EncodeToBytes(payload)
		if err != nil {
			return nil, err
		}
		data = enc
	}
	body, err := rlp.EncodeToBytes(&packet{Code: code, Data: data})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(body))
	copy(frame[frameHeaderSize:], body)
	if err := Seal(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *session) enqueuePacket(code uint64, payload interface{}) {
	frame, err := encodePacket(code, payload)
	if err != nil {
		s.logger.Warn("Drop outbound packet", slog.Any("error", err))
		return
	}
	select {
	case s.outbound <- frame:
	case <-s.ctx.Done():
	default:
		// Queue full: the peer is not draining; end the session.
		s.close(TCPError)
	}
}

func (s *session) IsOpen() bool {
	return s.open.Load()
}

func (s *session) LastReceived() time.Time {
	return time.Unix(0, s.lastReceived.Load())
}

func (s *session) Ping() {
	s.enqueuePacket(PingMsg, nil)
}

// Disconnect sends the reason to the peer best-effort and closes the session.
func (s *session) Disconnect(reason DisconnectReason) {
	s.sendDisconnect(reason)
	s.close(reason)
}

func (s *session) sendDisconnect(reason DisconnectReason) {
	frame, err := encodePacket(DisconnectMsg, &disconnectPayload{Reason: uint64(reason)})
	if err != nil {
		return
	}
	_ = s.writeFrame(frame, writeTimeout)
}

func (s *session) ServiceNodesRequest() {
	s.mu.Lock()
	requested := s.peersRequested
	s.peersRequested = false
	s.mu.Unlock()
	if !requested {
		return
	}
	nodes := s.host.shareableNodes()
	if len(nodes) == 0 {
		return
	}
	s.enqueuePacket(PeersMsg, nodes)
}

func (s *session) AttachCapability(desc CapDesc, cap PeerCapability, base, count uint64) {
	s.mu.Lock()
	s.caps = append(s.caps, capRange{desc: desc, cap: cap, base: base, count: count})
	s.mu.Unlock()
}

func (s *session) capabilityFor(code uint64) PeerCapability {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.caps {
		if code >= r.base && code < r.base+r.count {
			return r.cap
		}
	}
	return nil
}

func (s *session) close(reason DisconnectReason) {
	s.closeOnce.Do(func() {
		s.open.Store(false)
		s.cancel()
		s.conn.Close()
		s.host.noteSessionClosed(s.peer, reason)
	})
}
