package netmux

import (
	"fmt"
	"net"
	"testing"
	"time"
)

type echoPacket struct {
	Body string
}

func (p *echoPacket) TypeTag() byte { return 0x01 }

func (p *echoPacket) Encode(cryptKey string) ([]byte, error) {
	return []byte(cryptKey + p.Body), nil
}

func (p *echoPacket) Decode(data []byte, cryptKey string) error {
	if len(data) < len(cryptKey) {
		return fmt.Errorf("payload shorter than crypt key")
	}
	p.Body = string(data[len(cryptKey):])
	return nil
}

func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	conn, peer := net.Pipe()

	socket := NewSocket(conn)
	socket.InitStream()
	c := NewConnection(socket)

	if err := socket.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { socket.CloseSocket() })

	return c, peer
}

func TestConnection_RegisterHandlerDispatches(t *testing.T) {
	c, peer := newTestConnection(t)
	defer peer.Close()

	received := make(chan string, 1)
	RegisterHandler(c, func() *echoPacket { return &echoPacket{} }, func(_ *Connection, p *echoPacket) {
		received <- p.Body
	})

	go peer.Write(frame(append([]byte{0x01}, []byte("hello")...)))

	select {
	case body := <-received:
		if body != "hello" {
			t.Fatalf("body = %q, want %q", body, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler dispatch")
	}
}

func TestConnection_UnhandledTagCallsOnUnhandled(t *testing.T) {
	c, peer := newTestConnection(t)
	defer peer.Close()

	unhandled := make(chan byte, 1)
	c.OnUnhandled = func(tag byte, data []byte) { unhandled <- tag }

	go peer.Write(frame(append([]byte{0x42}, []byte("x")...)))

	select {
	case tag := <-unhandled:
		if tag != 0x42 {
			t.Fatalf("tag = 0x%02x, want 0x42", tag)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnUnhandled")
	}
}

func TestConnection_SendPacket(t *testing.T) {
	c, peer := newTestConnection(t)
	defer peer.Close()

	// Prime the data handler by sniffing an inbound chunk first.
	go peer.Write([]byte{0x00, 0x00})
	time.Sleep(20 * time.Millisecond)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := peer.Read(buf)
		done <- buf[:n]
	}()

	if err := c.SendPacket(&echoPacket{Body: "world"}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	select {
	case got := <-done:
		want := frame(append([]byte{0x01}, []byte("world")...))
		if string(got) != string(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound packet")
	}
}

func TestConnection_CryptKey(t *testing.T) {
	c, peer := newTestConnection(t)
	defer peer.Close()

	if c.Encrypted() {
		t.Fatal("Encrypted() true before any key is set")
	}

	c.SetCryptKey("secret")
	if !c.Encrypted() {
		t.Fatal("Encrypted() false after setting a non-empty key")
	}
	if c.GetCryptKey() != "secret" {
		t.Fatalf("GetCryptKey() = %q, want %q", c.GetCryptKey(), "secret")
	}
}

func TestConnection_SystemHandlersDispatchOpenAndClose(t *testing.T) {
	conn, peer := net.Pipe()
	defer peer.Close()

	socket := NewSocket(conn)
	socket.InitStream()
	c := NewConnection(socket)

	var opened, eod, closed int
	order := make(chan string, 3)
	c.RegisterSystemHandler(SystemOpen, func(*Connection) { opened++; order <- "open" })
	c.RegisterSystemHandler(SystemEod, func(*Connection) { eod++; order <- "eod" })
	c.RegisterSystemHandler(SystemClose, func(*Connection) { closed++; order <- "close" })

	if err := socket.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := <-order; got != "open" {
		t.Fatalf("first system dispatch = %q, want open", got)
	}

	socket.CloseSocket()

	if got := <-order; got != "eod" {
		t.Fatalf("dispatch after close = %q, want eod", got)
	}
	if got := <-order; got != "close" {
		t.Fatalf("dispatch after eod = %q, want close", got)
	}
	if opened != 1 || eod != 1 || closed != 1 {
		t.Fatalf("opened=%d eod=%d closed=%d, want 1/1/1", opened, eod, closed)
	}
}

func TestConnection_TerminatedOnTransportFailure(t *testing.T) {
	conn, peer := net.Pipe()

	socket := NewSocket(conn)
	socket.InitStream()
	c := NewConnection(socket)

	terminated := make(chan struct{}, 1)
	closedNormally := make(chan struct{}, 1)
	c.RegisterSystemHandler(SystemTerminated, func(*Connection) { terminated <- struct{}{} })
	c.RegisterSystemHandler(SystemClose, func(*Connection) { closedNormally <- struct{}{} })

	if err := socket.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Closing the peer end triggers a read error on socket's side, not an
	// explicit CloseSocket call, so this should dispatch TERMINATED.
	peer.Close()

	select {
	case <-terminated:
	case <-closedNormally:
		t.Fatal("dispatched CLOSE for a transport failure, want TERMINATED")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SystemTerminated dispatch")
	}
}

func TestConnection_IDIsStable(t *testing.T) {
	c, peer := newTestConnection(t)
	defer peer.Close()

	id := c.ID()
	if id == "" {
		t.Fatal("empty connection id")
	}
	if c.ID() != id {
		t.Fatal("ID() is not stable across calls")
	}
}
