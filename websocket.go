package netmux

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketMagicGUID is the RFC 6455 handshake constant used to derive
// Sec-WebSocket-Accept from the client's Sec-WebSocket-Key.
const websocketMagicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHandshakeHeaderSize bounds how much a caller will buffer while
// waiting for the end of the HTTP upgrade request's headers, so a client
// that never sends a terminating blank line cannot grow the buffer
// without limit.
const maxHandshakeHeaderSize = 16 * 1024

// websocketEndpoint implements Endpoint over github.com/gorilla/websocket.
//
// It owns the one-shot HTTP/1.1 upgrade handshake itself — by the time a
// connection's first chunk has been sniffed as WebSocket, the data has
// already arrived as a raw net.TCPConn read, not as an *http.Request a
// websocket.Upgrader could hijack — and then hands the connection to
// gorilla's websocket.NewConn, which speaks the framed protocol without
// redoing the handshake.
//
// gorilla never touches the real socket: it is given pipeConn, a
// synthetic net.Conn whose reads are served from bytes handed to Feed and
// whose writes are forwarded to cb.onWrite. This keeps every outbound
// byte flowing through the socket's single write queue and its ordering
// guarantees instead of gorilla writing to the wire directly.
type websocketEndpoint struct {
	cb endpointCallbacks

	mu            sync.Mutex
	handshakeDone bool
	handshakeBuf  []byte
	closed        bool

	pc      *pipeConn
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWebSocketEndpoint(cb endpointCallbacks) *websocketEndpoint {
	return &websocketEndpoint{cb: cb}
}

// Feed implements Endpoint. Until the upgrade handshake completes, bytes
// are buffered looking for the end of the HTTP header block; afterwards
// they are handed straight to the pipe feeding gorilla's reader.
func (e *websocketEndpoint) Feed(chunk []byte) {
	e.mu.Lock()
	if e.handshakeDone {
		pc := e.pc
		e.mu.Unlock()
		if pc != nil {
			pc.Feed(chunk)
		}
		return
	}

	e.handshakeBuf = append(e.handshakeBuf, chunk...)
	idx := bytes.Index(e.handshakeBuf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(e.handshakeBuf) > maxHandshakeHeaderSize {
			e.mu.Unlock()
			e.cb.onWarning("websocket upgrade request header too large")
			e.cb.onClose()
			return
		}
		e.mu.Unlock()
		return
	}

	header := e.handshakeBuf[:idx+4]
	rest := append([]byte(nil), e.handshakeBuf[idx+4:]...)
	e.handshakeBuf = nil

	accept, err := websocketAcceptKey(header)
	if err != nil {
		e.mu.Unlock()
		e.cb.onWarning(fmt.Sprintf("websocket upgrade failed: %v", err))
		e.cb.onClose()
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	e.cb.onWrite([]byte(response))

	pc := newPipeConn(e.cb.onWrite)
	e.pc = pc
	e.conn = websocket.NewConn(pc, true, bufferSize, bufferSize)
	e.handshakeDone = true
	e.mu.Unlock()

	go e.readLoop()

	if len(rest) > 0 {
		pc.Feed(rest)
	}
}

func (e *websocketEndpoint) readLoop() {
	for {
		mt, data, err := e.conn.ReadMessage()
		if err != nil {
			e.mu.Lock()
			already := e.closed
			e.closed = true
			e.mu.Unlock()
			if !already {
				e.cb.onClose()
			}
			return
		}
		if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
			e.cb.onMessage(data)
		}
	}
}

// Send implements Endpoint by delegating to gorilla's WriteMessage.
// gorilla/websocket requires writes to be serialized; writeMu enforces
// that since Send may be called from any goroutine (Connection.SendPacket
// does not run on a dedicated writer goroutine the way the frame codec's
// caller does).
func (e *websocketEndpoint) Send(payload []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close implements Endpoint: it tears down the pipe feeding gorilla's
// reader, which unblocks ReadMessage with io.EOF and lets readLoop exit
// on its own without re-firing onClose.
func (e *websocketEndpoint) Close() {
	e.mu.Lock()
	already := e.closed
	e.closed = true
	pc := e.pc
	e.mu.Unlock()

	if !already && pc != nil {
		pc.Close()
	}
}

// websocketAcceptKey parses an HTTP/1.1 upgrade request and computes the
// Sec-WebSocket-Accept value for its Sec-WebSocket-Key header.
func websocketAcceptKey(header []byte) (string, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return "", fmt.Errorf("parsing upgrade request: %w", err)
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", fmt.Errorf("missing Sec-WebSocket-Key header")
	}

	sum := sha1.Sum([]byte(key + websocketMagicGUID)) //nolint:gosec // RFC 6455 mandates SHA-1 here.
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// pipeConn adapts the (onWrite callback, Feed method) shape the rest of
// this package uses into a net.Conn, which is what gorilla/websocket
// expects to wrap. Reads are served from an in-memory pipe fed by Feed;
// writes are forwarded to onWrite instead of touching any real socket.
type pipeConn struct {
	reader  *pipeReader
	onWrite func([]byte)
}

func newPipeConn(onWrite func([]byte)) *pipeConn {
	return &pipeConn{reader: newPipeReader(), onWrite: onWrite}
}

// Feed delivers raw bytes to the read side of the pipe.
func (c *pipeConn) Feed(data []byte) {
	c.reader.feed(data)
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { c.onWrite(p); return len(p), nil }
func (c *pipeConn) Close() error                { c.reader.closeWithEOF(); return nil }

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr{} }

func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "websocket-pipe" }

// pipeReader is a tiny unbounded byte queue with blocking reads, used in
// place of io.Pipe so Feed never blocks on a slow or absent reader —
// gorilla's reader goroutine drains it asynchronously.
type pipeReader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newPipeReader() *pipeReader {
	r := &pipeReader{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *pipeReader) feed(data []byte) {
	r.mu.Lock()
	r.buf.Write(data)
	r.cond.Signal()
	r.mu.Unlock()
}

func (r *pipeReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.buf.Len() == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.buf.Len() == 0 && r.closed {
		return 0, io.EOF
	}
	return r.buf.Read(p)
}

func (r *pipeReader) closeWithEOF() {
	r.mu.Lock()
	r.closed = true
	r.cond.Signal()
	r.mu.Unlock()
}
