package netmux

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Address is a resolved host/port pair, the shared currency between
// ConnectorSocket.SetRemoteAddress, the SOCKS5 handshake, and any
// Resolver implementation.
type Address struct {
	Host string
	Port uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// ParseAddress splits "host:port" into an Address. It accepts both
// hostnames and literal IPs; resolving a hostname to an IP is the
// Resolver's job, not this function's.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, errors.Wrapf(err, "netmux: parse address %q", hostport)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, errors.Wrapf(err, "netmux: parse port in %q", hostport)
	}

	return Address{Host: host, Port: uint16(port)}, nil
}
