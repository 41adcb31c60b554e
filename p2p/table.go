package p2p

import "sync"

// NodeTableEvent is the discovery event type delivered to the host.
type NodeTableEvent int

const (
	NodeEntryAdded NodeTableEvent = iota
	NodeEntryRemoved
)

// Node is a discovered remote node.
type Node struct {
	ID       PeerID
	Endpoint Endpoint
}

// NodeTableEventHandler receives queued discovery events when the table's
// ProcessEvents is driven.
type NodeTableEventHandler interface {
	ProcessEvent(id PeerID, event NodeTableEvent)
}

// NodeTable is the contract the host consumes from the discovery layer. The
// Kademlia implementation lives elsewhere; the host only feeds nodes in,
// drains events, and looks entries up.
type NodeTable interface {
	AddNode(n Node)
	RemoveNode(id PeerID)
	HasNode(id PeerID) bool
	Node(id PeerID) (Node, bool)
	ProcessEvents()
	SetEventHandler(h NodeTableEventHandler)
}

// TableFactory builds the node table at host startup with the host's identity
// and bound listen port.
type TableFactory func(self PeerID, listenPort uint16) NodeTable

// BasicTable is a minimal in-memory NodeTable. It queues one event per
// mutation and delivers them on ProcessEvents, matching the contract the host
// schedules against. It performs no network discovery.
type BasicTable struct {
	self PeerID

	mu      sync.Mutex
	nodes   map[PeerID]Node
	queue   []tableEvent
	handler NodeTableEventHandler
}

type tableEvent struct {
	id    PeerID
	event NodeTableEvent
}

func NewBasicTable(self PeerID, listenPort uint16) *BasicTable {
	_ = listenPort
	return &BasicTable{self: self, nodes: make(map[PeerID]Node)}
}

func (t *BasicTable) AddNode(n Node) {
	if n.ID.IsZero() || n.ID == t.self {
		return
	}
	t.mu.Lock()
	t.nodes[n.ID] = n
	t.queue = append(t.queue, tableEvent{id: n.ID, event: NodeEntryAdded})
	t.mu.Unlock()
}

func (t *BasicTable) RemoveNode(id PeerID) {
	t.mu.Lock()
	if _, ok := t.nodes[id]; ok {
		delete(t.nodes, id)
		t.queue = append(t.queue, tableEvent{id: id, event: NodeEntryRemoved})
	}
	t.mu.Unlock()
}

func (t *BasicTable) HasNode(id PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.nodes[id]
	return ok
}

func (t *BasicTable) Node(id PeerID) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	return n, ok
}

func (t *BasicTable) SetEventHandler(h NodeTableEventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// ProcessEvents drains the queue and delivers events outside the table lock so
// the handler may call back into the table.
func (t *BasicTable) ProcessEvents() {
	t.mu.Lock()
	handler := t.handler
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()
	if handler == nil {
		return
	}
	for _, ev := range pending {
		handler.ProcessEvent(ev.id, ev.event)
	}
}
