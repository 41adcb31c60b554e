package p2p

import (
	"errors"
	"net"
	"testing"
)

func tableForResolver(h *Host) *BasicTable {
	table := NewBasicTable(PeerID{}, 30303)
	h.mu.Lock()
	h.table = table
	h.mu.Unlock()
	return table
}

func TestAddNodeLiteralIPIsSynchronous(t *testing.T) {
	h := newTestHost(t)
	table := tableForResolver(h)

	var id PeerID
	id[0] = 1
	h.AddNode(id, "93.184.216.34", 30303, 30303)
	if !table.HasNode(id) {
		t.Fatal("literal address not recorded")
	}
	n, _ := table.Node(id)
	if n.Endpoint.TCPPort != 30303 || n.Endpoint.UDPPort != 30303 {
		t.Fatalf("ports = %d/%d, want 30303/30303", n.Endpoint.TCPPort, n.Endpoint.UDPPort)
	}
}

func TestAddNodeRewritesPrivatePort(t *testing.T) {
	h := newTestHost(t)
	table := tableForResolver(h)

	var id PeerID
	id[0] = 2
	h.AddNode(id, "93.184.216.34", 40000, 30303)
	n, ok := table.Node(id)
	if !ok {
		t.Fatal("node not recorded")
	}
	if n.Endpoint.TCPPort != 0 {
		t.Fatalf("tcp port = %d, want 0 (private port rewritten)", n.Endpoint.TCPPort)
	}
}

func TestAddNodeResolvesHostname(t *testing.T) {
	h := newTestHost(t)
	table := tableForResolver(h)
	h.lookup = func(host string) ([]net.IP, error) {
		if host != "seed.example.org" {
			t.Errorf("lookup host = %q", host)
		}
		return []net.IP{net.IPv4(93, 184, 216, 34)}, nil
	}

	var id PeerID
	id[0] = 3
	h.AddNode(id, "seed.example.org", 30303, 30303)
	wait(t, func() bool { return table.HasNode(id) })
	n, _ := table.Node(id)
	if !n.Endpoint.IP.Equal(net.IPv4(93, 184, 216, 34)) {
		t.Fatalf("resolved IP = %v", n.Endpoint.IP)
	}
}

func TestAddNodeResolutionFailureIsSilent(t *testing.T) {
	h := newTestHost(t)
	table := tableForResolver(h)
	done := make(chan struct{})
	h.lookup = func(host string) ([]net.IP, error) {
		defer close(done)
		return nil, errors.New("no such host")
	}

	var id PeerID
	id[0] = 4
	h.AddNode(id, "missing.example.org", 30303, 30303)
	<-done
	if table.HasNode(id) {
		t.Fatal("failed resolution recorded a node")
	}
}

func TestNoteSharedNodesFiltersJunk(t *testing.T) {
	h := newTestHost(t)
	table := tableForResolver(h)

	good := testNode(5)
	junk := []Node{
		{},                          // zero id
		{ID: PeerID{6}},             // no endpoint
		{ID: PeerID{7}, Endpoint: Endpoint{IP: net.IPv4(93, 184, 216, 7), TCPPort: 40000}}, // private port
		good,
	}
	h.noteSharedNodes(junk)
	if table.HasNode(PeerID{6}) || table.HasNode(PeerID{7}) {
		t.Fatal("junk node recorded")
	}
	if !table.HasNode(good.ID) {
		t.Fatal("valid shared node dropped")
	}
}
