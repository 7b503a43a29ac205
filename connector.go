package netmux

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// ConnectorSocket is the client side of this package: given a remote
// address it dials, optionally through a SOCKS5 proxy, and hands the
// resulting Socket to OnConnect. Unlike Socket itself, which is usable
// the moment it wraps a net.Conn, a ConnectorSocket owns its own dial
// lifecycle and can be reused for multiple sequential connection
// attempts, one at a time.
type ConnectorSocket struct {
	logger   Logger
	resolver Resolver

	dialTimeout time.Duration
	socketOpts  []SocketOption

	remote Address
	socks5 *Socks5Config

	connecting atomic.Bool

	OnConnect    func(*Socket)
	OnDisconnect func()
	OnFail       func(error)

	socket *Socket
}

// ConnectorOption configures a ConnectorSocket.
type ConnectorOption func(*ConnectorSocket)

// WithConnectorLogger sets the logger used for connect/disconnect
// diagnostics.
func WithConnectorLogger(logger Logger) ConnectorOption {
	return func(c *ConnectorSocket) { c.logger = logger }
}

// WithConnectorResolver overrides the default system Resolver, e.g. with
// NewDNSResolver to bypass the host's configured nameservers.
func WithConnectorResolver(r Resolver) ConnectorOption {
	return func(c *ConnectorSocket) { c.resolver = r }
}

// WithDialTimeout bounds how long Connect may spend dialing and, if
// configured, completing the SOCKS5 handshake.
func WithDialTimeout(d time.Duration) ConnectorOption {
	return func(c *ConnectorSocket) { c.dialTimeout = d }
}

// WithConnectorSocketOptions passes options through to the Socket built
// for each successful connection.
func WithConnectorSocketOptions(opts ...SocketOption) ConnectorOption {
	return func(c *ConnectorSocket) { c.socketOpts = append(c.socketOpts, opts...) }
}

// NewConnectorSocket creates a ConnectorSocket with no remote address
// set; call SetRemoteAddress before Connect.
func NewConnectorSocket(opts ...ConnectorOption) *ConnectorSocket {
	c := &ConnectorSocket{
		logger:      defaultLogger(),
		resolver:    NewSystemResolver(),
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRemoteAddress sets the target a subsequent Connect will dial.
func (c *ConnectorSocket) SetRemoteAddress(addr Address) {
	c.remote = addr
}

// ConfigSocks5 routes every subsequent Connect through a SOCKS5 proxy.
// Pass nil to stop proxying.
func (c *ConnectorSocket) ConfigSocks5(cfg *Socks5Config) {
	c.socks5 = cfg
}

// Connect dials the configured remote address asynchronously. OnConnect
// fires with a fresh, already-open Socket on success; OnFail fires with
// the error otherwise. Only one attempt may be in flight at a time.
func (c *ConnectorSocket) Connect() error {
	if !c.connecting.CompareAndSwap(false, true) {
		return ErrAlreadyConnecting
	}

	go func() {
		defer c.connecting.Store(false)

		socket, err := c.dial()
		if err != nil {
			c.logger.Warn("connect failed", "target", c.remote.String(), "error", err)
			if c.OnFail != nil {
				c.OnFail(err)
			}
			return
		}

		c.socket = socket
		socket.OnClose = func() {
			if c.OnDisconnect != nil {
				c.OnDisconnect()
			}
		}
		// OnConnect fires from OnOpen, after the socket has actually
		// transitioned to the OPEN state — not synchronously here, where
		// Open has only just been enqueued and hasn't run yet.
		socket.OnOpen = func() {
			if c.OnConnect != nil {
				c.OnConnect(socket)
			}
		}

		socket.InitStream()
		if err := socket.Open(); err != nil {
			if c.OnFail != nil {
				c.OnFail(err)
			}
			return
		}
	}()

	return nil
}

// Disconnect tears down the active connection, if any. It is a no-op if
// Connect has not yet succeeded.
func (c *ConnectorSocket) Disconnect() {
	if c.socket != nil {
		c.socket.CloseSocket()
	}
}

func (c *ConnectorSocket) dial() (*Socket, error) {
	ctx := context.Background()
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}

	if c.socks5 == nil {
		ips, err := c.resolver.LookupHost(ctx, c.remote.Host)
		if err != nil {
			return nil, fmt.Errorf("netmux: resolve %q: %w", c.remote.Host, err)
		}

		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ips[0], fmt.Sprint(c.remote.Port)))
		if err != nil {
			return nil, fmt.Errorf("netmux: dial %s: %w", c.remote.String(), err)
		}
		return NewSocket(conn, c.socketOpts...), nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.socks5.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("netmux: dial socks5 proxy %s: %w", c.socks5.ProxyAddr, err)
	}

	timeout := c.socks5.Timeout
	if timeout == 0 {
		timeout = c.dialTimeout
	}
	if err := socks5Handshake(conn, c.remote, timeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netmux: socks5 handshake to %s via %s: %w", c.remote.String(), c.socks5.ProxyAddr, err)
	}

	return NewSocket(conn, c.socketOpts...), nil
}
