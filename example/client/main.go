// Command client dials the echo server, sends one message and waits for
// its echo, demonstrating ConnectorSocket and packet dispatch from the
// client side.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/corvidae/netmux"
)

type echoPacket struct {
	body []byte
}

func (p *echoPacket) TypeTag() byte { return 0x01 }

func (p *echoPacket) Encode(cryptKey string) ([]byte, error) {
	return p.body, nil
}

func (p *echoPacket) Decode(data []byte, cryptKey string) error {
	p.body = append([]byte(nil), data...)
	return nil
}

func main() {
	connector := netmux.NewConnectorSocket(netmux.WithDialTimeout(5 * time.Second))
	connector.SetRemoteAddress(netmux.Address{Host: "127.0.0.1", Port: 12345})

	done := make(chan struct{})

	connector.OnConnect = func(socket *netmux.Socket) {
		conn := netmux.NewConnection(socket)

		netmux.RegisterHandler(conn, func() *echoPacket { return &echoPacket{} }, func(_ *netmux.Connection, p *echoPacket) {
			slog.Info("echoed back", "body", string(p.body))
			close(done)
		})

		if err := conn.SendPacket(&echoPacket{body: []byte("hello from client")}); err != nil {
			slog.Error("send failed", "error", err)
			close(done)
		}
	}

	connector.OnFail = func(err error) {
		slog.Error("connect failed", "error", err)
		close(done)
	}

	if err := connector.Connect(); err != nil {
		slog.Error("connect", "error", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Error("timed out waiting for echo")
		os.Exit(1)
	}
}
