package p2p

// Base protocol packet codes. Sub-protocol packets are assigned contiguous
// ranges starting at UserPacketBase, in the order of the capability list a
// session is registered with (the list the remote peer sent in its hello).
const (
	HelloMsg      uint64 = 0x00
	DisconnectMsg uint64 = 0x01
	PingMsg       uint64 = 0x02
	PongMsg       uint64 = 0x03
	GetPeersMsg   uint64 = 0x04
	PeersMsg      uint64 = 0x05

	UserPacketBase uint64 = 0x10
)

// CapDesc names a sub-protocol.
type CapDesc struct {
	Name    string
	Version uint64
}

// Capability is a registered sub-protocol factory. Registration is not
// thread-safe; capabilities must be registered before the host starts.
type Capability interface {
	StaticName() string
	StaticVersion() uint64

	// MessageCount is the number of packet codes the sub-protocol claims.
	MessageCount() uint64

	// NewPeerCapability produces the per-session instance. Packets with codes
	// in [offset, offset+MessageCount) are delivered to it.
	NewPeerCapability(s Session, offset uint64) PeerCapability

	OnStarting()
	OnStopping()
}

// PeerCapability handles one session's slice of a sub-protocol. Code is
// absolute (already includes the session offset).
type PeerCapability interface {
	HandlePacket(code uint64, payload []byte) error
}

// Desc returns the (name, version) pair identifying a capability.
func Desc(c Capability) CapDesc {
	return CapDesc{Name: c.StaticName(), Version: c.StaticVersion()}
}
