package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// StatusInvalidAddress is shown when a connect target cannot be parsed.
const StatusInvalidAddress = "Incorrect IP address"

// ErrInvalidAddress is returned by ParseAddress for unusable input.
var ErrInvalidAddress = errors.New("session: invalid address")

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ParseAddress turns user input into a dialable IPv4 "ip:port". Empty input
// targets the local host on defaultPort; input without a port gets
// defaultPort; names resolve to their first IPv4 address.
// A name lookup blocks until ctx is done, so callers on the tick pass a
// deadline.
func ParseAddress(ctx context.Context, resolver Resolver, input string, defaultPort int) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(defaultPort)), nil
	}

	host, port := input, strconv.Itoa(defaultPort)
	if strings.Contains(input, ":") {
		var err error
		host, port, err = net.SplitHostPort(input)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, input, err)
		}
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", fmt.Errorf("%w: bad port %q", ErrInvalidAddress, port)
	}
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, input)
	}

	ip, err := firstIPv4(ctx, resolver, host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), strconv.FormatUint(portNum, 10)), nil
}

func firstIPv4(ctx context.Context, resolver Resolver, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddress, host)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrInvalidAddress, host, err)
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no IPv4 address", ErrInvalidAddress, host)
}
