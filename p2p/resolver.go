package p2p

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/miekg/dns"

	"peerd/observability/logging"
)

// Allowed advertised TCP port range. Ports at or above privatePortThreshold
// are never recorded as advertised.
const (
	allowedPortMin       = 30300
	allowedPortMax       = 30305
	privatePortThreshold = 32768
)

type lookupFunc func(host string) ([]net.IP, error)

// dnsLookup resolves an A record using the system resolver configuration.
func dnsLookup(host string) ([]net.IP, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("read resolver config: %w", err)
	}
	client := new(dns.Client)
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)

	var lastErr error
	for _, server := range conf.Servers {
		reply, _, err := client.Exchange(query, net.JoinHostPort(server, conf.Port))
		if err != nil {
			lastErr = err
			continue
		}
		var ips []net.IP
		for _, answer := range reply.Answer {
			if a, ok := answer.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no A records for %s", host)
	}
	return nil, lastErr
}

// AddNode records a node by address string. Literal IPs are forwarded to the
// discovery layer synchronously; hostnames resolve asynchronously. Failures
// are warning-logged only.
func (h *Host) AddNode(id PeerID, addr string, tcpPort, udpPort uint16) {
	if tcpPort < allowedPortMin || tcpPort > allowedPortMax {
		h.log().Warn("Non-standard port being recorded", slog.Int("port", int(tcpPort)))
	}
	if tcpPort >= privatePortThreshold {
		h.log().Warn("Private port being recorded - setting to 0", slog.Int("port", int(tcpPort)))
		tcpPort = 0
	}

	if ip := net.ParseIP(addr); ip != nil {
		h.addDiscoveredNode(Node{ID: id, Endpoint: Endpoint{IP: ip, TCPPort: tcpPort, UDPPort: udpPort}})
		return
	}

	go func() {
		ips, err := h.lookup(addr)
		if err != nil || len(ips) == 0 {
			h.log().Warn("Node address resolution failed",
				logging.MaskField("address", addr),
				slog.Any("error", err))
			return
		}
		h.addDiscoveredNode(Node{ID: id, Endpoint: Endpoint{IP: ips[0], TCPPort: tcpPort, UDPPort: udpPort}})
	}()
}

func (h *Host) addDiscoveredNode(n Node) {
	if table := h.nodeTable(); table != nil {
		table.AddNode(n)
	}
}

// noteSharedNodes feeds peer-shared node information into discovery. Entries
// without an id or a usable endpoint are dropped, and so are entries whose
// port is at or above privatePortThreshold (AddNode records those with port 0).
func (h *Host) noteSharedNodes(nodes []Node) {
	table := h.nodeTable()
	if table == nil {
		return
	}
	for _, n := range nodes {
		if n.ID.IsZero() || !n.Endpoint.IsSet() {
			continue
		}
		if n.Endpoint.TCPPort >= privatePortThreshold {
			continue
		}
		table.AddNode(n)
	}
}
