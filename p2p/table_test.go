package p2p

import (
	"net"
	"testing"
)

type recordedEvent struct {
	id    PeerID
	event NodeTableEvent
}

type recordingHandler struct {
	events []recordedEvent
}

func (r *recordingHandler) ProcessEvent(id PeerID, event NodeTableEvent) {
	r.events = append(r.events, recordedEvent{id: id, event: event})
}

func testNode(b byte) Node {
	var id PeerID
	id[0] = b
	return Node{ID: id, Endpoint: Endpoint{IP: net.IPv4(93, 184, 216, b), TCPPort: 30303}}
}

func TestBasicTableQueuesEvents(t *testing.T) {
	table := NewBasicTable(PeerID{}, 30303)
	handler := &recordingHandler{}
	table.SetEventHandler(handler)

	n := testNode(1)
	table.AddNode(n)
	if !table.HasNode(n.ID) {
		t.Fatal("node not stored")
	}
	if len(handler.events) != 0 {
		t.Fatal("event delivered before ProcessEvents")
	}

	table.ProcessEvents()
	if len(handler.events) != 1 || handler.events[0].event != NodeEntryAdded {
		t.Fatalf("events = %+v, want one NodeEntryAdded", handler.events)
	}

	table.RemoveNode(n.ID)
	table.ProcessEvents()
	if len(handler.events) != 2 || handler.events[1].event != NodeEntryRemoved {
		t.Fatalf("events = %+v, want trailing NodeEntryRemoved", handler.events)
	}
	if table.HasNode(n.ID) {
		t.Fatal("node still present after removal")
	}
}

func TestBasicTableIgnoresSelfAndZero(t *testing.T) {
	self := testNode(9)
	table := NewBasicTable(self.ID, 30303)
	table.AddNode(self)
	table.AddNode(Node{})
	if table.HasNode(self.ID) {
		t.Fatal("table stored the host's own id")
	}
	table.ProcessEvents()
}

func TestBasicTableLookup(t *testing.T) {
	table := NewBasicTable(PeerID{}, 30303)
	n := testNode(4)
	table.AddNode(n)
	got, ok := table.Node(n.ID)
	if !ok {
		t.Fatal("lookup missed")
	}
	if !got.Endpoint.IP.Equal(n.Endpoint.IP) || got.Endpoint.TCPPort != n.Endpoint.TCPPort {
		t.Fatalf("endpoint = %+v, want %+v", got.Endpoint, n.Endpoint)
	}
}
