// Package nat resolves an externally reachable endpoint through the local
// gateway, trying UPnP first and NAT-PMP second.
package nat

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"
)

const (
	mappingDescription = "peerd"
	mappingLease       = 20 * time.Minute
)

var ErrNoGateway = errors.New("nat: no gateway responded")

// Traverse asks the gateway to map port and returns the external IP together
// with the interface address the mapping was established from. Both are nil
// when no traversal method succeeded.
func Traverse(ifAddrs []net.IP, port uint16, logger *slog.Logger) (ext net.IP, internal net.IP, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ext, internal, err = traverseUPnP(port); err == nil {
		return ext, internal, nil
	}
	logger.Debug("UPnP traversal failed", slog.Any("error", err))
	if ext, internal, err = traversePMP(ifAddrs, port); err == nil {
		return ext, internal, nil
	}
	logger.Debug("NAT-PMP traversal failed", slog.Any("error", err))
	return nil, nil, ErrNoGateway
}

func traverseUPnP(port uint16) (net.IP, net.IP, error) {
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return nil, nil, fmt.Errorf("discover gateway: %w", err)
	}
	if len(clients) == 0 {
		return nil, nil, errors.New("no WANIPConnection devices found")
	}
	var lastErr error
	for _, client := range clients {
		internal, err := localAddressFor(client.Location.Host)
		if err != nil {
			lastErr = err
			continue
		}
		err = client.AddPortMapping("", port, "TCP", port, internal.String(), true,
			mappingDescription, uint32(mappingLease/time.Second))
		if err != nil {
			lastErr = fmt.Errorf("add port mapping: %w", err)
			continue
		}
		extStr, err := client.GetExternalIPAddress()
		if err != nil {
			lastErr = fmt.Errorf("query external address: %w", err)
			continue
		}
		ext := net.ParseIP(extStr)
		if ext == nil {
			lastErr = fmt.Errorf("gateway returned unparseable address %q", extStr)
			continue
		}
		return ext, internal, nil
	}
	return nil, nil, lastErr
}

func traversePMP(ifAddrs []net.IP, port uint16) (net.IP, net.IP, error) {
	var lastErr error = errors.New("no private interface addresses")
	for _, addr := range ifAddrs {
		v4 := addr.To4()
		if v4 == nil || !addr.IsPrivate() {
			continue
		}
		// Assume the conventional .1 gateway on the interface's /24.
		gateway := net.IPv4(v4[0], v4[1], v4[2], 1)
		client := natpmp.NewClientWithTimeout(gateway, 2*time.Second)
		extResult, err := client.GetExternalAddress()
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := client.AddPortMapping("tcp", int(port), int(port), int(mappingLease/time.Second)); err != nil {
			lastErr = fmt.Errorf("add port mapping: %w", err)
			continue
		}
		ext := net.IPv4(extResult.ExternalIPAddress[0], extResult.ExternalIPAddress[1],
			extResult.ExternalIPAddress[2], extResult.ExternalIPAddress[3])
		return ext, v4, nil
	}
	return nil, nil, lastErr
}

// localAddressFor picks the interface address used to reach the gateway.
func localAddressFor(gatewayAddr string) (net.IP, error) {
	if _, _, err := net.SplitHostPort(gatewayAddr); err != nil {
		gatewayAddr = net.JoinHostPort(gatewayAddr, "1900")
	}
	conn, err := net.Dial("udp4", gatewayAddr)
	if err != nil {
		return nil, fmt.Errorf("probe route to gateway: %w", err)
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("unexpected local address type")
	}
	return local.IP, nil
}
