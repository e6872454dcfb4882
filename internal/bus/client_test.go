package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), "test", config.BusConfig{}, newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestPublishJSON(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), "bus-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}

	received := make(chan protocol.Recording, 1)
	_, err = client.Subscribe(protocol.SubjectRecordingFinal, func(msg *nats.Msg) {
		var rec protocol.Recording
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		received <- rec
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := protocol.Recording{RecordingID: "r1", Text: "hello world", Final: true}
	if err := client.PublishJSON(protocol.SubjectRecordingFinal, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if got.RecordingID != want.RecordingID || got.Text != want.Text || !got.Final {
			t.Fatalf("unexpected recording %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}
