package p2p

import (
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"peerd/crypto"
)

// PeerID identifies a remote node. It is the Keccak-256 digest of the node's
// uncompressed secp256k1 public key with the leading 0x04 byte removed.
type PeerID [32]byte

// PeerIDFromPubKey derives the node identifier from a public key.
func PeerIDFromPubKey(pub *crypto.PublicKey) PeerID {
	var id PeerID
	raw := pub.Bytes()
	if len(raw) == 0 {
		return id
	}
	copy(id[:], crypto.Keccak256(raw[1:]))
	return id
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Abridged returns the first four bytes in hex, for log lines.
func (id PeerID) Abridged() string {
	return hex.EncodeToString(id[:4])
}

func (id PeerID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Endpoint is the advertised network location of a node.
type Endpoint struct {
	IP      net.IP
	TCPPort uint16
	UDPPort uint16
}

// TCPAddr formats the endpoint as a dialable host:port string.
func (e Endpoint) TCPAddr() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.TCPPort))
}

// IsSet reports whether the endpoint carries a usable TCP address.
func (e Endpoint) IsSet() bool {
	return len(e.IP) > 0 && !e.IP.IsUnspecified() && e.TCPPort > 0
}

// IsPrivateAddress reports whether ip falls in a link-local or RFC1918/ULA
// range. Loopback is classified separately by IsLocalHostAddress.
func IsPrivateAddress(ip net.IP) bool {
	if len(ip) == 0 {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsLocalHostAddress reports whether ip is loopback or unspecified.
func IsLocalHostAddress(ip net.IP) bool {
	if len(ip) == 0 {
		return true
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// DisconnectReason is carried in Disconnect packets and recorded on peer
// records. The numbering is part of the wire protocol; sub-protocols may use
// values at UserReason and above.
type DisconnectReason uint16

const (
	DisconnectRequested  DisconnectReason = 0x00
	TCPError             DisconnectReason = 0x01
	BadProtocol          DisconnectReason = 0x02
	UselessPeer          DisconnectReason = 0x03
	TooManyPeers         DisconnectReason = 0x04
	DuplicatePeer        DisconnectReason = 0x05
	IncompatibleProtocol DisconnectReason = 0x06
	NullIdentity         DisconnectReason = 0x07
	ClientQuit           DisconnectReason = 0x08
	UnexpectedIdentity   DisconnectReason = 0x09
	LocalIdentity        DisconnectReason = 0x0a
	PingTimeout          DisconnectReason = 0x0b
	UserReason           DisconnectReason = 0x10
	NoDisconnect         DisconnectReason = 0xffff
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectRequested:
		return "requested"
	case TCPError:
		return "tcp error"
	case BadProtocol:
		return "bad protocol"
	case UselessPeer:
		return "useless peer"
	case TooManyPeers:
		return "too many peers"
	case DuplicatePeer:
		return "duplicate peer"
	case IncompatibleProtocol:
		return "incompatible protocol"
	case NullIdentity:
		return "null identity"
	case UnexpectedIdentity:
		return "unexpected identity"
	case LocalIdentity:
		return "local identity"
	case ClientQuit:
		return "client quit"
	case PingTimeout:
		return "ping timeout"
	case NoDisconnect:
		return "no disconnect"
	default:
		return fmt.Sprintf("reason %d", uint16(r))
	}
}

// Peer is the host's record of a known remote node. A record is created on the
// first discovery event or AddNode call and lives until teardown. Fields are
// guarded by the owning Host's session lock; sessions mutate Score and Rating
// through Host.AdjustPeerRating.
type Peer struct {
	ID       PeerID
	Endpoint Endpoint

	Score  int // all-time cumulative
	Rating int // trending

	LastConnected  time.Time
	LastAttempted  time.Time
	FailedAttempts uint
	LastDisconnect DisconnectReason
}

func newPeer(id PeerID) *Peer {
	return &Peer{ID: id, LastDisconnect: NoDisconnect}
}

// PeerSessionInfo is the observable status of one live session.
type PeerSessionInfo struct {
	ID           PeerID
	Endpoint     Endpoint
	Score        int
	Rating       int
	LastReceived time.Time
}
