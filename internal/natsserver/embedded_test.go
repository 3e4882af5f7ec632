package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartSkipsWhenDisabled(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, cfg := range []config.BusConfig{
		{Enabled: false, Embedded: true},
		{Enabled: true, Embedded: false, Servers: []string{"nats://elsewhere:4222"}},
	} {
		srv, err := Start(cfg, "n1", log)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if srv != nil {
			t.Fatalf("expected no embedded server for %+v", cfg)
		}
		srv.Shutdown()
	}
}

func TestStartServesClients(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, "n1", log)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	if srv.Name() != "loqa-speak-n1" {
		t.Fatalf("unexpected server name %q", srv.Name())
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if nc.ConnectedServerName() != "loqa-speak-n1" {
		t.Fatalf("connected to %q", nc.ConnectedServerName())
	}
}
