package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// defaultPort is used for peers given without a port.
const defaultPort = 7070

// guessIpAddress takes a base IP address and a partial address string,
// and fills in the missing octets from the base address.
func guessIpAddress(baseAddress net.IP, partialAddr string) (net.IP, error) {
	ip := make(net.IP, len(baseAddress))
	copy(ip, baseAddress)
	octets := strings.Split(partialAddr, ".")
	if len(octets) == 1 && octets[0] == "" {
		return ip, nil
	}
	if len(octets) > len(ip) {
		return net.IP{}, fmt.Errorf("too many octets in %q", partialAddr)
	}
	for i := 0; i < len(octets); i++ {
		var octet byte
		_, err := fmt.Sscanf(octets[i], "%d", &octet)
		if err != nil {
			return net.IP{}, err
		}
		ip[len(ip)-len(octets)+i] = octet
	}
	return ip, nil
}

// isPartialIP reports whether host is a truncated dotted IPv4 address, like
// "42" or "15.42", or empty.
func isPartialIP(host string) bool {
	if net.ParseIP(host) != nil {
		return false
	}
	for _, c := range host {
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// resolvePeers turns the peer list into the address map of the group.
// The entry of rank must be a full address; the others may give only the
// last octets of an IPv4 address, which are completed from it.
func resolvePeers(peers []string, rank int) (map[int]string, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, fmt.Errorf("rank %d is not in [0, %d)", rank, len(peers))
	}
	own, _, err := splitHostPort(peers[rank], defaultPort)
	if err != nil {
		return nil, err
	}
	base := net.ParseIP(own).To4()
	addresses := make(map[int]string, len(peers))
	for i, p := range peers {
		host, port, err := splitHostPort(p, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("invalid address of rank %d: %w", i, err)
		}
		if base != nil && isPartialIP(host) {
			ip, err := guessIpAddress(base, host)
			if err != nil {
				return nil, fmt.Errorf("could not guess address of rank %d from %q: %w", i, p, err)
			}
			host = ip.String()
		}
		addresses[i] = net.JoinHostPort(host, port)
	}
	return addresses, nil
}

// subnetOfListener returns the IP network (CIDR) of the interface that contains
// the local address used by the provided TCP listener.
func subnetOfListener(l *net.TCPListener) (net.IPNet, error) {
	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return net.IPNet{}, fmt.Errorf("listener is not TCP")
	}
	ip := tcpAddr.IP
	if ip == nil || ip.IsUnspecified() {
		return net.IPNet{}, fmt.Errorf("listener has unspecified IP %v", ip)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return net.IPNet{}, err
	}
	for _, ifi := range ifaces {
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			var ipnet *net.IPNet
			switch v := a.(type) {
			case *net.IPNet:
				ipnet = v
			case *net.IPAddr:
				ipnet = &net.IPNet{IP: v.IP, Mask: v.IP.DefaultMask()}
			default:
				continue
			}
			if ipnet == nil {
				continue
			}
			if ipnet.Contains(ip) || ipnet.IP.Equal(ip) {
				return *ipnet, nil
			}
		}
	}
	return net.IPNet{}, fmt.Errorf("no interface found for ip %v", ip)
}

// logOutsideSubnet warns about peers that are not on the subnet of l, which
// usually means a mistyped peer list.
func logOutsideSubnet(l net.Listener, addresses map[int]string, logger *slog.Logger) {
	tl, ok := l.(*net.TCPListener)
	if !ok {
		return
	}
	subnet, err := subnetOfListener(tl)
	if err != nil {
		logger.Debug("could not find the subnet of the listener", "error", err)
		return
	}
	for rank, addr := range addresses {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		if ip := net.ParseIP(host); ip != nil && !subnet.Contains(ip) {
			logger.Warn("peer outside the local subnet", "rank", rank, "address", addr, "subnet", subnet.String())
		}
	}
}

// splitHostPort splits an address into host and port, using defaultPort if no port is specified.
func splitHostPort(addr string, defaultPort int) (string, string, error) {
	ipaddr, port, err := net.SplitHostPort(addr)
	if err != nil {
		addr = addr + ":" + strconv.Itoa(defaultPort)
		ipaddr, port, err = net.SplitHostPort(addr)
		if err != nil {
			return "", "", err
		}
	}
	return ipaddr, port, nil
}

func joinPeers(addresses map[int]string) string {
	peers := make([]string, len(addresses))
	for i := range peers {
		peers[i] = addresses[i]
	}
	return strings.Join(peers, ",")
}
