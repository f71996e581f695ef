package network

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// ParseEndpoint accepts "host:port" or a multiaddr such as
// "/ip4/10.0.0.1/tcp/8091" and returns the dial target "host:port".
func ParseEndpoint(s string) (string, error) {
	if strings.HasPrefix(s, "/") {
		return fromMultiaddr(s)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", s)
	}
	if _, err := parsePort(port); err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	return net.JoinHostPort(host, port), nil
}

func fromMultiaddr(s string) (string, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}

	var host string
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := m.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("multiaddr %q has no host", s)
	}

	port, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("multiaddr %q has no tcp port", s)
	}
	return net.JoinHostPort(host, port), nil
}

// Multiaddr renders an advertised address and port as a multiaddr.
func Multiaddr(host, port string) (ma.Multiaddr, error) {
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if _, err := parsePort(port); err != nil {
		return nil, err
	}
	proto := "dns"
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip6"
		if ip.To4() != nil {
			proto = "ip4"
		}
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%s", proto, host, port))
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %q out of range", s)
	}
	return port, nil
}
