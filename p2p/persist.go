package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"peerd/crypto"
)

// Current version tag of the nodes blob. Unknown versions are ignored on
// restore; the legacy un-versioned format is rejected.
const nodesBlobVersion = 0

// Peers persist only when they connected within this window.
const recentPeerWindow = 48 * time.Hour

var ErrLegacyNodesBlob = errors.New("p2p: legacy un-versioned nodes blob rejected")

type savedNode struct {
	Addr           []byte
	Port           uint16
	ID             PeerID
	Trust          uint64
	LastConnected  uint64
	LastAttempted  uint64
	FailedAttempts uint64
	LastDisconnect uint64
	Score          uint64
	Rating         uint64
}

type savedBlob struct {
	Version uint64
	Secret  []byte
	Nodes   []rlp.RawValue
}

// SaveNodes serialises the persistent peer set: a version tag, the host
// secret, and every peer that connected recently, advertises an allowed port,
// is not the host itself, and is not on a private address.
func (h *Host) SaveNodes() []byte {
	now := h.clock()

	h.mu.Lock()
	secret := h.alias.Bytes()
	entries := make([]rlp.RawValue, 0, len(h.peers))
	for _, p := range h.peers {
		if now.Sub(p.LastConnected) >= recentPeerWindow {
			continue
		}
		if p.Endpoint.TCPPort < allowedPortMin || p.Endpoint.TCPPort > allowedPortMax {
			continue
		}
		if p.ID == h.id || IsPrivateAddress(p.Endpoint.IP) {
			continue
		}
		entry := savedNode{
			Addr:           addressBytes(p.Endpoint.IP),
			Port:           p.Endpoint.TCPPort,
			ID:             p.ID,
			Trust:          0,
			LastConnected:  clampSeconds(p.LastConnected),
			LastAttempted:  clampSeconds(p.LastAttempted),
			FailedAttempts: uint64(p.FailedAttempts),
			LastDisconnect: uint64(p.LastDisconnect),
			Score:          clampNonNegative(p.Score),
			Rating:         clampNonNegative(p.Rating),
		}
		enc, err := rlp.EncodeToBytes(&entry)
		if err != nil {
			continue
		}
		entries = append(entries, enc)
	}
	h.mu.Unlock()

	blob, err := rlp.EncodeToBytes(&savedBlob{
		Version: nodesBlobVersion,
		Secret:  secret,
		Nodes:   entries,
	})
	if err != nil {
		h.log().Warn("Failed to serialise nodes", slog.Any("error", err))
		return nil
	}
	return blob
}

// RestoreNodes recognises the versioned blob format, restoring the host
// secret and re-inserting the saved peers. Per-peer statistics are not
// restored. Unknown versions are ignored; legacy un-versioned blobs and
// garbage are rejected. Individual malformed entries skip silently.
func (h *Host) RestoreNodes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var blob savedBlob
	if err := rlp.DecodeBytes(b, &blob); err != nil {
		if looksLikeLegacyBlob(b) {
			return ErrLegacyNodesBlob
		}
		return fmt.Errorf("p2p: malformed nodes blob: %w", err)
	}
	if blob.Version != nodesBlobVersion {
		h.log().Warn("Ignoring nodes blob with unknown version",
			slog.Uint64("version", blob.Version))
		return nil
	}

	if key, err := crypto.PrivateKeyFromBytes(blob.Secret); err == nil {
		h.mu.Lock()
		h.alias = key
		h.id = PeerIDFromPubKey(key.PubKey())
		h.mu.Unlock()
	} else {
		return fmt.Errorf("p2p: nodes blob carries invalid host secret: %w", err)
	}

	restored := 0
	h.mu.Lock()
	for _, raw := range blob.Nodes {
		var entry savedNode
		if err := rlp.DecodeBytes(raw, &entry); err != nil {
			continue
		}
		ip := addressFromBytes(entry.Addr)
		if ip == nil || entry.ID.IsZero() {
			continue
		}
		if _, ok := h.peers[entry.ID]; ok {
			continue
		}
		p := newPeer(entry.ID)
		p.Endpoint = Endpoint{IP: ip, TCPPort: entry.Port}
		h.peers[entry.ID] = p
		restored++
	}
	h.mu.Unlock()

	h.log().Info("Restored nodes", slog.Int("count", restored))
	return nil
}

// looksLikeLegacyBlob detects the old format: a bare list whose first element
// is itself a list (a node entry) rather than a version integer.
func looksLikeLegacyBlob(b []byte) bool {
	kind, content, _, err := rlp.Split(b)
	if err != nil || kind != rlp.List {
		return false
	}
	kind, _, _, err = rlp.Split(content)
	return err == nil && kind == rlp.List
}

func addressBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return append([]byte(nil), v4...)
	}
	return append([]byte(nil), ip.To16()...)
}

func addressFromBytes(b []byte) net.IP {
	if len(b) != net.IPv4len && len(b) != net.IPv6len {
		return nil
	}
	return net.IP(append([]byte(nil), b...))
}

func clampSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func clampNonNegative(v int) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
