package netmux

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// socketState enumerates the connection lifecycle: NEW → INITIALIZED →
// OPEN → CLOSING → CLOSED. Only OPEN accepts reads; writes are accepted
// any time after InitStream, matching the source's InternalWrite (which
// gates only on is_initialized, not on whether Open has run yet).
type socketState int32

const (
	stateNew socketState = iota
	stateInitialized
	stateOpen
	stateClosing
	stateClosed
)

type requestKind int

const (
	requestWrite requestKind = iota
	requestOpen
	requestClose
)

// Socket is a TCP endpoint bound to one goroutine pair: a reader goroutine
// delivering inbound bytes, and the socket's own loop goroutine serializing
// every Write/Open/CloseSocket call onto a single point of control — the
// Go-native replacement for the source's single-reactor-thread model.
//
// request_queue is reqCh, a buffered channel standing in for the
// uv_async-triggered request queue; write_queue is writeQueue, a
// mutex-guarded slice of owned buffers drained in order by the loop
// goroutine, which is also the only goroutine ever allowed to touch conn
// for writing — so "at most one write in flight" holds by construction,
// with no separate is_writing flag needed.
type Socket struct {
	conn   net.Conn
	opts   socketOptions
	logger Logger

	dh *dataHandler

	// OnData, when set, receives every raw inbound chunk instead of the
	// data handler — used internally during the SOCKS5 handshake and
	// available to any caller that needs to bypass framing entirely.
	OnData    func([]byte)
	OnMessage func([]byte)
	OnOpen    func()
	OnClose   func()
	OnInfo    func(string)
	OnWarning func(string)

	state atomic.Int32

	reqCh     chan requestKind
	closeDone chan struct{}

	mu         sync.Mutex
	writeQueue [][]byte

	readTimeout atomic.Int64 // time.Duration, 0 disables

	readerWG sync.WaitGroup

	selfPinMu sync.Mutex
	selfPin   *Socket

	closedByApp atomic.Bool
}

// NewSocket wraps conn. Call InitStream before any other method.
func NewSocket(conn net.Conn, opts ...SocketOption) *Socket {
	o := defaultSocketOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Socket{conn: conn, opts: o, logger: o.logger}
	s.readTimeout.Store(int64(o.readTimeout))

	s.dh = newDataHandler(endpointCallbacks{
		onWrite:   func(b []byte) { _ = s.Write(b) },
		onMessage: s.deliverMessage,
		// initiateClose, not CloseSocket: a teardown decided by the data
		// handler layer (a framing violation, a failed WS handshake, a
		// remote-initiated WS close) is not an explicit application close,
		// and must not mark closedByApp. Socket.readLoop makes the same
		// choice for genuine transport I/O failures.
		onClose:   s.initiateClose,
		onWarning: s.warn,
	})

	return s
}

// InitStream binds the socket's internal channels and starts its loop
// goroutine. It is a no-op if called more than once.
func (s *Socket) InitStream() {
	if !s.state.CompareAndSwap(int32(stateNew), int32(stateInitialized)) {
		return
	}
	s.reqCh = make(chan requestKind, s.opts.requestQueueSize)
	s.closeDone = make(chan struct{})
	go s.loop()
}

// MoveSocketPtr pins the socket's own lifetime until its close sequence
// completes. A ServerListener hands each accepted connection to its
// consumer as a bare *Socket; calling MoveSocketPtr tells this package the
// consumer wants the socket to outlive any other reference it might drop,
// exactly through to OnClose. Go's garbage collector already keeps a
// Socket alive for as long as its own goroutines reference it once
// opened, but this still models the source's self_ptr self-owning-handle
// contract precisely enough to test against.
func (s *Socket) MoveSocketPtr() {
	s.selfPinMu.Lock()
	s.selfPin = s
	s.selfPinMu.Unlock()
}

func (s *Socket) releaseSelfPin() {
	s.selfPinMu.Lock()
	s.selfPin = nil
	s.selfPinMu.Unlock()
}

// SetReadTimeout arms or disarms the read-inactivity timeout. Zero
// disables it. Safe to call from any goroutine, including before
// InitStream.
func (s *Socket) SetReadTimeout(d time.Duration) {
	s.readTimeout.Store(int64(d))
}

// Write queues raw bytes for transmission, copying data so the caller is
// free to reuse or mutate it once Write returns.
func (s *Socket) Write(data []byte) error {
	st := socketState(s.state.Load())
	if st == stateNew {
		return ErrNotInitialized
	}
	if st >= stateClosing {
		return ErrConnectionClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.writeQueue = append(s.writeQueue, buf)
	s.mu.Unlock()

	s.enqueue(requestWrite)
	return nil
}

// Send queues one complete application message, framed according to
// whichever protocol the data handler sniffed for this connection.
func (s *Socket) Send(payload []byte) error {
	st := socketState(s.state.Load())
	if st == stateNew {
		return ErrNotInitialized
	}
	if st >= stateClosing {
		return ErrConnectionClosed
	}
	return s.dh.Send(payload)
}

// GetWriteQueueSize reports how many buffers are waiting to be written.
// Callers can poll this to self-throttle; there is no built-in backpressure.
func (s *Socket) GetWriteQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writeQueue)
}

// Open starts the read loop and fires OnOpen.
func (s *Socket) Open() error {
	st := socketState(s.state.Load())
	if st == stateNew {
		return ErrNotInitialized
	}
	if st >= stateClosing {
		return ErrConnectionClosed
	}
	s.enqueue(requestOpen)
	return nil
}

// IsOpen reports whether the socket has completed its transition to the
// OPEN state. Connection uses this to catch up on a SystemOpen dispatch
// when it wraps a Socket that opened before the Connection existed (the
// ConnectorSocket path, where OnConnect itself fires from OnOpen).
func (s *Socket) IsOpen() bool {
	return socketState(s.state.Load()) == stateOpen
}

// CloseSocket tears the connection down. It is idempotent and safe from
// any goroutine, and always results in exactly one OnClose once the
// reader goroutine has fully exited.
func (s *Socket) CloseSocket() {
	s.closedByApp.Store(true)
	s.initiateClose()
}

// ClosedByApp reports whether the connection's teardown was initiated by
// an explicit CloseSocket call, as opposed to a read or write failure.
// Connection uses this to pick between its CLOSE and TERMINATED system
// messages.
func (s *Socket) ClosedByApp() bool {
	return s.closedByApp.Load()
}

func (s *Socket) enqueue(kind requestKind) {
	if s.reqCh == nil {
		return
	}
	select {
	case s.reqCh <- kind:
	case <-s.closeDone:
	}
}

func (s *Socket) initiateClose() {
	if s.reqCh == nil {
		return
	}
	select {
	case s.reqCh <- requestClose:
		return
	case <-s.closeDone:
		return
	default:
	}
	go func() {
		select {
		case s.reqCh <- requestClose:
		case <-s.closeDone:
		}
	}()
}

// loop is the socket's single point of serialization — the Go-native
// reactor thread. It drains reqCh until it processes a close request,
// then returns.
func (s *Socket) loop() {
	for kind := range s.reqCh {
		switch kind {
		case requestWrite:
			s.handleWrite()
		case requestOpen:
			s.handleOpen()
		case requestClose:
			s.handleClose()
			return
		}
	}
}

// handleWrite drains the entire current backlog. Because it is the only
// place that ever calls conn.Write, at most one write is ever in flight —
// the source's is_writing flag has no work left to do in this design.
func (s *Socket) handleWrite() {
	for {
		s.mu.Lock()
		if len(s.writeQueue) == 0 {
			s.mu.Unlock()
			return
		}
		buf := s.writeQueue[0]
		s.mu.Unlock()

		if s.opts.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
		}

		if _, err := s.conn.Write(buf); err != nil {
			s.logger.Debug("write error", "addr", s.remoteAddrString(), "error", err)
			s.initiateClose()
			return
		}
		s.opts.metrics.addBytesWritten(len(buf))

		s.mu.Lock()
		s.writeQueue = s.writeQueue[1:]
		s.mu.Unlock()
	}
}

func (s *Socket) handleOpen() {
	if !s.state.CompareAndSwap(int32(stateInitialized), int32(stateOpen)) {
		return
	}

	s.opts.metrics.socketOpened()
	s.info(fmt.Sprintf("connection opened: %s", s.remoteAddrString()))
	// OnOpen must return before the reader goroutine starts: callers rely
	// on OnOpen preceding any OnMessage/OnData, typically wiring those
	// callbacks from inside OnOpen itself.
	if s.OnOpen != nil {
		s.OnOpen()
	}

	s.readerWG.Add(1)
	go s.readLoop()
}

func (s *Socket) handleClose() {
	if socketState(s.state.Load()) == stateNew {
		return
	}
	prev := socketState(s.state.Swap(int32(stateClosing)))
	if prev == stateClosing || prev == stateClosed {
		return
	}

	s.info(fmt.Sprintf("closing connection: %s", s.remoteAddrString()))

	_ = s.conn.Close()
	s.readerWG.Wait()

	s.mu.Lock()
	s.writeQueue = nil
	s.mu.Unlock()

	s.dh.Close()

	s.state.Store(int32(stateClosed))
	close(s.closeDone)
	s.opts.metrics.socketClosed()

	if s.OnClose != nil {
		s.OnClose()
	}

	s.releaseSelfPin()
}

// readLoop delivers inbound bytes until the connection errors or is
// closed. A read-timeout deadline, when configured, is rearmed before
// every read — the same technique the teacher's Conn.readLoop uses for
// its idle timeout, which supersedes the source's dedicated timer handle.
func (s *Socket) readLoop() {
	defer s.readerWG.Done()

	buf := make([]byte, bufferSize)
	for {
		if d := time.Duration(s.readTimeout.Load()); d > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(d))
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			s.initiateClose()
			return
		}
		if n == 0 {
			continue
		}

		chunk := buf[:n]
		if s.OnData != nil {
			s.OnData(chunk)
		} else {
			s.dh.Feed(chunk)
		}
		s.opts.metrics.addBytesRead(n)
	}
}

func (s *Socket) deliverMessage(b []byte) {
	s.opts.metrics.incFrames()
	if s.OnMessage != nil {
		s.OnMessage(b)
	}
}

func (s *Socket) warn(msg string) {
	s.logger.Warn(msg)
	if s.OnWarning != nil {
		s.OnWarning(msg)
	}
}

func (s *Socket) info(msg string) {
	s.logger.Info(msg)
	if s.OnInfo != nil {
		s.OnInfo(msg)
	}
}

func (s *Socket) remoteAddrString() string {
	if s.conn == nil {
		return "<nil>"
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "<unknown>"
}
