// Command echo starts a netmux listener that echoes every message it
// receives back to the sender, speaking either the length-prefixed frame
// protocol or WebSocket depending on what each client dials in with.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvidae/netmux"
	"github.com/prometheus/client_golang/prometheus"
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
	metrics := netmux.NewMetrics(prometheus.DefaultRegisterer)

	listener := netmux.NewServerListener(
		netmux.WithListenerMetrics(metrics),
		netmux.WithAcceptRateLimit(200, 50),
		netmux.WithReconnectDiagnostics(10000, 0.01),
	)

	listener.OnConnection = func(id string, socket *netmux.Socket) {
		conn := netmux.NewConnection(socket)

		netmux.RegisterHandler(conn, func() *echoPacket { return &echoPacket{} }, func(c *netmux.Connection, p *echoPacket) {
			if err := c.SendPacket(p); err != nil {
				slog.Warn("echo failed", "id", id, "error", err)
			}
		})

		conn.RegisterSystemHandler(netmux.SystemClose, func(*netmux.Connection) {
			slog.Info("connection closed", "id", id)
		})
		conn.RegisterSystemHandler(netmux.SystemTerminated, func(*netmux.Connection) {
			slog.Info("connection terminated", "id", id)
		})

		socket.MoveSocketPtr()
		if err := socket.Open(); err != nil {
			slog.Warn("open failed", "id", id, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down listener...")
		cancel()
	}()

	addr := "127.0.0.1:12345"
	slog.Info("listener starting", "addr", addr)
	if err := listener.Start(ctx, addr); err != nil {
		slog.Error("listener error", "error", err)
		os.Exit(1)
	}
}
