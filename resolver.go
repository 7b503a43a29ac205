package netmux

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver turns a hostname into a set of dialable IPs. ConnectorSocket
// uses it on every Connect that does not go through a SOCKS5 proxy, so a
// caller can swap in a resolver that bypasses the host's configured
// nameservers; with a proxy configured, the target host name is sent to
// the proxy unresolved and no Resolver is consulted. The method name and shape
// mirror net.Resolver.LookupHost deliberately, so systemResolver is a thin
// pass-through rather than an adapter.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// systemResolver defers to the Go runtime's own resolver — the default,
// and correct for the overwhelming majority of callers.
type systemResolver struct {
	r *net.Resolver
}

// NewSystemResolver returns the default Resolver, backed by net.Resolver.
func NewSystemResolver() Resolver {
	return &systemResolver{r: net.DefaultResolver}
}

func (s *systemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	return s.r.LookupHost(ctx, host)
}

// dnsResolver queries a specific nameserver directly over UDP, bypassing
// the host's resolv.conf — useful when the ambient resolver is untrusted
// or unreachable from a sandboxed environment. Grounded on
// github.com/miekg/dns, the resolver library used throughout the corpus's
// proxy-adjacent repos (billy-rubin-Socks-proxy).
type dnsResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver returns a Resolver that queries server (host:port)
// directly, e.g. "1.1.1.1:53".
func NewDNSResolver(server string) Resolver {
	return &dnsResolver{server: server, client: new(dns.Client)}
}

func (d *dnsResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	in, _, err := d.client.ExchangeContext(ctx, msg, d.server)
	if err != nil {
		return nil, fmt.Errorf("netmux: dns query for %q via %s: %w", host, d.server, err)
	}

	var ips []string
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("netmux: no A record for %q from %s", host, d.server)
	}
	return ips, nil
}
