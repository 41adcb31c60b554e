package p2p

import (
	"log/slog"
	"net"

	"peerd/p2p/nat"
)

// interfaceAddresses enumerates the unicast addresses of every up interface.
func interfaceAddresses() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if len(ip) > 0 {
				out = append(out, ip)
			}
		}
	}
	return out
}

// determinePublic chooses the advertised public endpoint:
//
//  1. peerAddrs is built from interface addresses, skipping loopback and,
//     unless local networking is enabled, private addresses.
//  2. A requested address that is public, or private with local networking
//     enabled, wins.
//  3. Otherwise the first public IPv4 interface address.
//  4. Otherwise NAT traversal, when enabled.
//  5. Otherwise, with local networking, the first private IPv4 address.
//  6. Otherwise the endpoint stays unspecified.
func (h *Host) determinePublic(requested string, upnp bool) {
	h.peerAddrs = nil
	if len(h.ifAddrs) == 0 || h.listenPort < 1 {
		return
	}
	listenPort := uint16(h.listenPort)

	for _, addr := range h.ifAddrs {
		if (h.prefs.LocalNetworking || !IsPrivateAddress(addr)) && !IsLocalHostAddress(addr) {
			h.peerAddrs = append(h.peerAddrs, addr)
		}
	}

	if requested != "" {
		if reqAddr := net.ParseIP(requested); reqAddr != nil {
			private := IsPrivateAddress(reqAddr)
			public := !private && !IsLocalHostAddress(reqAddr)
			if public || (private && h.prefs.LocalNetworking) {
				if !containsAddress(h.peerAddrs, reqAddr) {
					h.peerAddrs = append(h.peerAddrs, reqAddr)
				}
				h.tcpPublic = Endpoint{IP: reqAddr, TCPPort: listenPort}
				return
			}
		} else {
			h.log().Warn("Ignoring unparseable public address override",
				slog.String("address", requested))
		}
	}

	for _, addr := range h.peerAddrs {
		if addr.To4() != nil && !IsPrivateAddress(addr) {
			h.tcpPublic = Endpoint{IP: addr, TCPPort: listenPort}
			return
		}
	}

	if upnp {
		ext, internal, err := nat.Traverse(h.ifAddrs, listenPort, h.log())
		if err == nil && len(ext) > 0 && len(internal) > 0 {
			if !containsAddress(h.peerAddrs, ext) {
				h.peerAddrs = append(h.peerAddrs, ext)
			}
			h.tcpPublic = Endpoint{IP: ext, TCPPort: listenPort}
			return
		}
		if err != nil {
			h.log().Info("NAT traversal yielded no public endpoint", slog.Any("error", err))
		}
	}

	if h.prefs.LocalNetworking {
		for _, addr := range h.peerAddrs {
			if addr.To4() != nil && IsPrivateAddress(addr) {
				h.tcpPublic = Endpoint{IP: addr, TCPPort: listenPort}
				return
			}
		}
	}

	h.tcpPublic = Endpoint{TCPPort: listenPort}
}

func containsAddress(addrs []net.IP, ip net.IP) bool {
	for _, a := range addrs {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}
