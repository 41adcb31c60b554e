package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"peerd/config"
	"peerd/crypto"
	"peerd/observability/logging"
)

// ProtocolVersion is the base peer network protocol version.
const ProtocolVersion = 3

const (
	// Interval at which the scheduler pings every live session.
	keepAliveInterval = 30 * time.Second
	// Grace period after a ping before unresponsive sessions are dropped.
	keepAliveTimeout = time.Second
	// Scheduler tick interval.
	timerInterval = 100 * time.Millisecond

	DefaultIdealPeerCount = 5

	dialTimeout       = 10 * time.Second
	shutdownPollDelay = 50 * time.Millisecond
)

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Host maintains outbound and inbound connections to a dynamic set of remote
// nodes and multiplexes registered capabilities over each session. Start,
// Stop, Peers, AddNode, SaveNodes, RestoreNodes, and SetNetworkPreferences
// may be called from any goroutine. Capabilities must be registered before
// Start.
type Host struct {
	clientVersion string
	dataDir       string

	logger  *slog.Logger
	metrics *hostMetrics

	// mu guards peers, sessions, table, alias/id, and lastPing. Session
	// callbacks re-enter the host, so the only session methods called under
	// mu are IsOpen and LastReceived.
	mu       sync.Mutex
	peers    map[PeerID]*Peer
	sessions map[PeerID]Session
	table    NodeTable
	alias    *crypto.PrivateKey
	id       PeerID
	lastPing time.Time

	pendingMu    sync.Mutex
	pendingConns map[PeerID]struct{}

	caps     map[CapDesc]Capability
	capOrder []CapDesc

	// runMu is the start/stop lock: it orders a concurrent Stop against a
	// mid-initialisation Start.
	runMu         sync.Mutex
	running       bool
	quit          chan struct{}
	schedulerDone chan struct{}

	prefs        config.NetworkPreferences
	listener     net.Listener
	listenPort   int
	accepting    atomic.Bool
	acceptorDone chan struct{}

	ifAddrs   []net.IP
	peerAddrs []net.IP
	tcpPublic Endpoint

	idealPeerCount int

	sessionFactory SessionFactory
	tableFactory   TableFactory
	dial           dialFunc
	lookup         lookupFunc
	acceptLimiter  *rate.Limiter
	now            func() time.Time
}

// NewHost loads (or generates) the host identity under dataDir and prepares a
// host with the given preferences. The network is not started.
func NewHost(clientVersion string, prefs config.NetworkPreferences, dataDir string) (*Host, error) {
	alias, err := loadOrCreateHostKey(dataDir)
	if err != nil {
		return nil, err
	}

	h := &Host{
		clientVersion:  clientVersion,
		dataDir:        dataDir,
		logger:         slog.Default().With(slog.String("component", "p2p_host")),
		metrics:        newHostMetrics(),
		peers:          make(map[PeerID]*Peer),
		sessions:       make(map[PeerID]Session),
		alias:          alias,
		id:             PeerIDFromPubKey(alias.PubKey()),
		pendingConns:   make(map[PeerID]struct{}),
		caps:           make(map[CapDesc]Capability),
		prefs:          prefs,
		listenPort:     -1,
		ifAddrs:        interfaceAddresses(),
		idealPeerCount: DefaultIdealPeerCount,
		sessionFactory: newSession,
		tableFactory: func(self PeerID, listenPort uint16) NodeTable {
			return NewBasicTable(self, listenPort)
		},
		dial:          defaultDialer,
		lookup:        dnsLookup,
		acceptLimiter: rate.NewLimiter(rate.Limit(25), 50),
		now:           time.Now,
	}

	for _, addr := range h.ifAddrs {
		if addr.To4() == nil {
			continue
		}
		kind := "peer"
		if IsPrivateAddress(addr) {
			kind = "local"
		}
		h.logger.Debug("Interface address",
			logging.MaskField("address", addr.String()),
			slog.String("reason", kind))
	}
	h.logger.Info("Host identity ready", logging.MaskField("id", h.id.String()))
	return h, nil
}

func (h *Host) log() *slog.Logger     { return h.logger }
func (h *Host) clock() time.Time      { return h.now() }
func (h *Host) ClientVersion() string { return h.clientVersion }

// ID returns the host's own identifier, derived from its public key.
func (h *Host) ID() PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// SetIdealPeerCount sets the target number of simultaneously connected peers.
func (h *Host) SetIdealPeerCount(n int) {
	if n > 0 {
		h.idealPeerCount = n
	}
}

// --- capability registration (before Start only) ---

// RegisterCapability installs a sub-protocol; every new session negotiates it.
func (h *Host) RegisterCapability(c Capability) {
	desc := Desc(c)
	if _, ok := h.caps[desc]; !ok {
		h.capOrder = append(h.capOrder, desc)
	}
	h.caps[desc] = c
}

func (h *Host) HaveCapability(desc CapDesc) bool {
	_, ok := h.caps[desc]
	return ok
}

// Caps lists the registered capability descriptions in registration order.
func (h *Host) Caps() []CapDesc {
	return append([]CapDesc(nil), h.capOrder...)
}

func (h *Host) capability(desc CapDesc) (Capability, bool) {
	c, ok := h.caps[desc]
	return c, ok
}

// --- lifecycle ---

// Start brings the network up: it binds the acceptor, resolves the public
// endpoint, constructs the discovery table, and launches the scheduler.
// Binding failures disable listening and discovery but are not fatal.
func (h *Host) Start() {
	h.runMu.Lock()
	if h.running {
		h.runMu.Unlock()
		return
	}
	h.quit = make(chan struct{})
	h.schedulerDone = make(chan struct{})
	h.running = true
	h.runMu.Unlock()

	h.startedWorking()
}

// IsStarted reports whether the network is running.
func (h *Host) IsStarted() bool {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	return h.running
}

func (h *Host) startedWorking() {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", h.prefs.ListenPort))
	if err != nil {
		h.listener = nil
		h.listenPort = -1
	} else {
		h.listener = ln
		h.listenPort = ln.Addr().(*net.TCPAddr).Port
	}

	for _, desc := range h.capOrder {
		h.caps[desc].OnStarting()
	}

	if h.listenPort > 0 {
		h.determinePublic(h.prefs.PublicIP, h.prefs.UPnP)
		h.runAcceptor()

		table := h.tableFactory(h.ID(), uint16(h.listenPort))
		table.SetEventHandler(h)
		h.mu.Lock()
		h.table = table
		h.mu.Unlock()
	} else {
		h.log().Warn("Invalid listen port; node table disabled",
			slog.Int("port", int(h.prefs.ListenPort)),
			slog.Any("error", err))
	}

	h.log().Info("Host started",
		logging.MaskField("id", h.ID().String()),
		slog.Int("port", h.listenPort))

	go h.runScheduler()
}

// Stop shuts the network down. On return no scheduler tick is pending, the
// acceptor is closed, every session has been disconnected with ClientQuit,
// and the session map is empty.
func (h *Host) Stop() {
	h.runMu.Lock()
	if !h.running {
		h.runMu.Unlock()
		return
	}
	h.running = false
	close(h.quit)
	done := h.schedulerDone
	h.runMu.Unlock()

	// The scheduler acknowledges shutdown by closing its done channel after
	// dropping the discovery table.
	<-done

	h.doneWorking()
}

func (h *Host) doneWorking() {
	if h.listener != nil {
		h.listener.Close()
	}
	if h.acceptorDone != nil {
		// An accepted connection may be mid-dispatch; wait for the acceptor
		// to wind down so its socket is owned by a session or closed.
		<-h.acceptorDone
		h.acceptorDone = nil
	}
	h.listener = nil

	for _, desc := range h.capOrder {
		h.caps[desc].OnStopping()
	}

	for {
		open := h.liveSessions()
		if len(open) == 0 {
			break
		}
		for _, s := range open {
			s.Disconnect(ClientQuit)
		}
		time.Sleep(shutdownPollDelay)
	}

	h.mu.Lock()
	h.sessions = make(map[PeerID]Session)
	h.mu.Unlock()
	h.metrics.observeCounts(0, h.PeerCount())
}

// SetNetworkPreferences replaces the preferences, restarting the network when
// it was running.
func (h *Host) SetNetworkPreferences(p config.NetworkPreferences) {
	had := h.IsStarted()
	if had {
		h.Stop()
	}
	h.prefs = p
	if had {
		h.Start()
	}
}

// --- acceptor ---

func (h *Host) runAcceptor() {
	if h.listener == nil || h.accepting.Load() {
		return
	}
	h.accepting.Store(true)
	done := make(chan struct{})
	h.acceptorDone = done
	ln := h.listener

	h.log().Info("Listening on local port",
		slog.Int("port", h.listenPort),
		logging.MaskField("public", h.tcpPublic.TCPAddr()))

	go func() {
		defer func() {
			h.accepting.Store(false)
			close(done)
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !h.IsStarted() || errors.Is(err, net.ErrClosed) {
					return
				}
				// Re-arm unless the listener reports a hard error.
				var ne net.Error
				if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
					h.log().Warn("Transient accept failure", slog.Any("error", err))
					continue
				}
				h.log().Warn("Acceptor stopped on hard error", slog.Any("error", err))
				return
			}
			if h.acceptLimiter != nil && !h.acceptLimiter.Allow() {
				h.metrics.recordAccept("throttled")
				conn.Close()
				continue
			}
			h.metrics.recordAccept("accepted")
			if err := h.doHandshake(conn, PeerID{}); err != nil {
				h.log().Warn("Inbound dispatch failed",
					logging.MaskField("remote", conn.RemoteAddr().String()),
					slog.Any("error", err))
				conn.Close()
			}
		}
	}()
}

// Accepting reports whether an accept loop is armed.
func (h *Host) Accepting() bool {
	return h.accepting.Load()
}

// --- connector ---

// connect schedules an outbound attempt to the peer. At most one attempt per
// peer id is in flight; concurrent calls for the same id are deduplicated.
func (h *Host) connect(p *Peer) {
	if !h.IsStarted() {
		return
	}
	if h.HasLiveSession(p.ID) {
		h.log().Debug("Aborted connect; node already connected",
			logging.MaskField("peer_id", p.ID.String()))
		return
	}
	table := h.nodeTable()
	if table == nil || !table.HasNode(p.ID) {
		h.log().Debug("Aborted connect; node not in node table",
			logging.MaskField("peer_id", p.ID.String()))
		return
	}

	h.pendingMu.Lock()
	if _, pending := h.pendingConns[p.ID]; pending {
		h.pendingMu.Unlock()
		return
	}
	h.pendingConns[p.ID] = struct{}{}
	h.pendingMu.Unlock()

	h.log().Info("Attempting connection",
		logging.MaskField("peer_id", p.ID.String()),
		logging.MaskField("endpoint", p.Endpoint.TCPAddr()))
	go h.runConnect(p)
}

func (h *Host) runConnect(p *Peer) {
	defer func() {
		h.pendingMu.Lock()
		delete(h.pendingConns, p.ID)
		h.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := h.dial(ctx, p.Endpoint.TCPAddr())
	now := h.clock()
	if err != nil {
		h.metrics.recordDial("failure")
		h.mu.Lock()
		p.LastAttempted = now
		p.FailedAttempts++
		p.LastDisconnect = TCPError
		h.mu.Unlock()
		h.log().Info("Connection refused",
			logging.MaskField("peer_id", p.ID.String()),
			slog.Any("error", err))
		return
	}

	h.metrics.recordDial("success")
	h.mu.Lock()
	p.LastConnected = now
	h.mu.Unlock()

	s := h.sessionFactory(h, conn, p)
	if s == nil {
		conn.Close()
		return
	}
	s.Start()
}

func (h *Host) pendingConnCount() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pendingConns)
}

// --- handshake dispatch ---

// doHandshake wraps an owned socket and a peer record into a session and
// starts it. For inbound connections the peer id is unknown and a record is
// synthesized from the socket's remote endpoint.
func (h *Host) doHandshake(conn net.Conn, nodeID PeerID) error {
	var p *Peer
	if !nodeID.IsZero() {
		h.mu.Lock()
		p = h.peers[nodeID]
		h.mu.Unlock()
	}
	if p == nil {
		p = newPeer(nodeID)
		if remote, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			p.Endpoint.IP = remote.IP
		}
	}
	s := h.sessionFactory(h, conn, p)
	if s == nil {
		return errors.New("session factory returned nil")
	}
	s.Start()
	return nil
}

// --- session registry ---

// RegisterSession records a live session and allocates its capability
// instances. The caller-supplied capability list is walked in order; each
// capability the host knows receives a contiguous packet-code range starting
// at UserPacketBase.
func (h *Host) RegisterSession(s Session, p *Peer, caps []CapDesc) {
	h.mu.Lock()
	if _, ok := h.peers[p.ID]; !ok {
		h.peers[p.ID] = p
	}
	h.sessions[p.ID] = s
	h.mu.Unlock()

	offset := UserPacketBase
	for _, desc := range caps {
		factory, ok := h.capability(desc)
		if !ok {
			continue
		}
		inst := factory.NewPeerCapability(s, offset)
		s.AttachCapability(desc, inst, offset, factory.MessageCount())
		offset += factory.MessageCount()
	}
}

// HasLiveSession reports whether an open session exists for the id. Stale
// registry entries are flushed as a side effect.
func (h *Host) HasLiveSession(id PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return false
	}
	if !s.IsOpen() {
		delete(h.sessions, id)
		return false
	}
	return true
}

// liveSessions snapshots the open sessions, flushing closed entries.
func (h *Host) liveSessions() []Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if !s.IsOpen() {
			delete(h.sessions, id)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (h *Host) noteSessionClosed(p *Peer, reason DisconnectReason) {
	h.mu.Lock()
	p.LastDisconnect = reason
	h.mu.Unlock()
	h.metrics.recordDisconnect(reason)
}

// AdjustPeerRating applies score and rating deltas from a session.
func (h *Host) AdjustPeerRating(id PeerID, scoreDelta, ratingDelta int) {
	h.mu.Lock()
	if p, ok := h.peers[id]; ok {
		p.Score += scoreDelta
		p.Rating += ratingDelta
	}
	h.mu.Unlock()
}

// Peers reports the live sessions' status.
func (h *Host) Peers() []PeerSessionInfo {
	if !h.IsStarted() {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PeerSessionInfo, 0, len(h.sessions))
	for id, s := range h.sessions {
		if !s.IsOpen() {
			delete(h.sessions, id)
			continue
		}
		info := PeerSessionInfo{ID: id, LastReceived: s.LastReceived()}
		if p, ok := h.peers[id]; ok {
			info.Endpoint = p.Endpoint
			info.Score = p.Score
			info.Rating = p.Rating
		}
		out = append(out, info)
	}
	return out
}

// Nodes returns copies of every known peer record.
func (h *Host) Nodes() []Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, *p)
	}
	return out
}

// PeerCount returns the number of known peer records.
func (h *Host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// livePeerCount is the connect throttle's view: open sessions plus in-flight
// connect attempts, so a burst of discovery events does not overshoot the
// ideal peer count before any session opens.
func (h *Host) livePeerCount() int {
	return len(h.liveSessions()) + h.pendingConnCount()
}

func (h *Host) nodeTable() NodeTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.table
}

// ListenPort returns the bound listen port, or -1 when binding failed.
func (h *Host) ListenPort() int {
	return h.listenPort
}

// ListenAddress returns the advertised public address, or the empty string
// when unspecified.
func (h *Host) ListenAddress() string {
	if len(h.tcpPublic.IP) == 0 {
		return ""
	}
	return h.tcpPublic.IP.String()
}

// PublicEndpoint returns the advertised public endpoint.
func (h *Host) PublicEndpoint() Endpoint {
	return h.tcpPublic
}

// shareableNodes lists known peers suitable for sharing with other nodes.
func (h *Host) shareableNodes() []Node {
	const maxShared = 32
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Node, 0, len(h.peers))
	for _, p := range h.peers {
		if len(out) >= maxShared {
			break
		}
		if p.ID == h.id || !p.Endpoint.IsSet() || IsPrivateAddress(p.Endpoint.IP) {
			continue
		}
		out = append(out, Node{ID: p.ID, Endpoint: p.Endpoint})
	}
	return out
}

// --- scheduler ---

func (h *Host) runScheduler() {
	done := h.schedulerDone
	quit := h.quit
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-quit:
			h.dropTable()
			return
		case <-timer.C:
		}
		if !h.IsStarted() {
			h.dropTable()
			return
		}

		if table := h.nodeTable(); table != nil {
			table.ProcessEvents()
		}
		for _, s := range h.liveSessions() {
			s.ServiceNodesRequest()
		}
		h.keepAlivePeers()
		h.disconnectLatePeers()
		h.metrics.observeCounts(len(h.liveSessions()), h.PeerCount())

		timer.Reset(timerInterval)
	}
}

func (h *Host) dropTable() {
	h.mu.Lock()
	h.table = nil
	h.mu.Unlock()
}

func (h *Host) keepAlivePeers() {
	now := h.clock()
	h.mu.Lock()
	if now.Sub(h.lastPing) < keepAliveInterval {
		h.mu.Unlock()
		return
	}
	h.lastPing = now
	h.mu.Unlock()

	for _, s := range h.liveSessions() {
		s.Ping()
	}
}

func (h *Host) disconnectLatePeers() {
	now := h.clock()
	h.mu.Lock()
	lastPing := h.lastPing
	h.mu.Unlock()
	if now.Sub(lastPing) < keepAliveTimeout {
		return
	}

	for _, s := range h.liveSessions() {
		if s.LastReceived().Before(lastPing) {
			s.Disconnect(PingTimeout)
		}
	}
}

// --- discovery events ---

// ProcessEvent handles queued node table events.
func (h *Host) ProcessEvent(id PeerID, event NodeTableEvent) {
	switch event {
	case NodeEntryAdded:
		h.log().Debug("Node table event: entry added",
			logging.MaskField("peer_id", id.String()))
		table := h.nodeTable()
		if table == nil {
			return
		}
		n, ok := table.Node(id)
		if !ok {
			return
		}
		h.mu.Lock()
		p, ok := h.peers[id]
		if !ok {
			p = newPeer(id)
			h.peers[id] = p
		}
		p.Endpoint.IP = n.Endpoint.IP
		p.Endpoint.TCPPort = n.Endpoint.TCPPort
		p.Endpoint.UDPPort = n.Endpoint.UDPPort
		h.mu.Unlock()

		if h.livePeerCount() < h.idealPeerCount {
			h.connect(p)
		}
	case NodeEntryRemoved:
		h.log().Debug("Node table event: entry removed",
			logging.MaskField("peer_id", id.String()))
		h.mu.Lock()
		delete(h.peers, id)
		h.mu.Unlock()
	}
}

// PocHost derives the default reconnect host from a client version string:
// the second dot-separated field of the version selects the proof-of-concept
// network.
func PocHost(clientVersion string) string {
	fields := strings.Split(clientVersion, ".")
	minor := "0"
	if len(fields) > 1 {
		minor = fields[1]
	}
	return "poc-" + minor + ".ethdev.com"
}
