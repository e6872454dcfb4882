package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openMemory(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.RetentionMode = "memory"
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: "x"}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store must list nothing, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openMemory(t, config.EventStoreConfig{})
	ctx := context.Background()

	sessionID := "conn-123"
	if err := es.AppendSession(ctx, sessionID); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendSession(ctx, sessionID); err != nil {
		t.Fatalf("append session twice: %v", err)
	}
	for i, typ := range []string{"speech.startDetected", "speech.hypothesis", "turn.end"} {
		evt := Event{SessionID: sessionID, RequestID: "req-1", Type: typ, Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))}
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Type != "speech.hypothesis" || string(events[1].Payload) != `{"n":1}` || events[1].RequestID != "req-1" {
		t.Fatalf("unexpected event: %+v", events[1])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to round trip")
	}
}

func TestPruneSessionsAndEvents(t *testing.T) {
	es := openMemory(t, config.EventStoreConfig{MaxSessions: 1, MaxEvents: 2})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := es.AppendEvent(ctx, Event{SessionID: "new", Type: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSessionEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned, got %d events", len(old))
	}
	kept, err := es.ListSessionEvents(ctx, "new", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(kept) != 2 || kept[0].Type != "e2" || kept[1].Type != "e3" {
		t.Fatalf("expected the two newest events, got %+v", kept)
	}
}

type scriptedConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.incoming:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *scriptedConn) WriteMessage(int, []byte) error { return nil }

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptedDialer struct{ conn *scriptedConn }

func (d scriptedDialer) Dial(context.Context, string) (speech.Conn, error) { return d.conn, nil }

func TestFollowJournalsSocketEvents(t *testing.T) {
	es := openMemory(t, config.EventStoreConfig{})
	conn := &scriptedConn{incoming: make(chan []byte, 4), closed: make(chan struct{})}
	socket := speech.NewSocket(speech.Options{Endpoint: speech.STT("westus", "k", "en-US"), Dialer: scriptedDialer{conn}}, newLogger())
	sub := socket.Subscribe(8)
	if err := socket.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	requestID, err := socket.Audio(context.Background(), []byte("RIFF"))
	if err != nil {
		t.Fatalf("audio: %v", err)
	}

	done := make(chan struct{})
	go func() {
		es.Follow(context.Background(), socket.ConnectionID(), sub)
		close(done)
	}()

	conn.incoming <- []byte("Path:speech.hypothesis\r\nContent-Type:application/json\r\n\r\n{\"Text\":\"hello\",\"Offset\":5}")
	conn.incoming <- []byte("Path:turn.end\r\nContent-Type:application/json\r\n\r\n{}")
	close(conn.incoming)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("journal did not finish after socket closed")
	}

	events, err := es.ListSessionEvents(context.Background(), socket.ConnectionID(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{"connected", "speech.hypothesis", "turn.end", "disconnected"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d type %q, want %q", i, events[i].Type, typ)
		}
	}
	if string(events[1].Payload) != `{"Text":"hello","Offset":5,"Duration":0}` {
		t.Fatalf("unexpected payload %s", events[1].Payload)
	}
	if events[1].RequestID != requestID || events[2].RequestID != requestID {
		t.Fatalf("events must carry request id %q, got %q and %q", requestID, events[1].RequestID, events[2].RequestID)
	}
	if events[0].RequestID != "" {
		t.Fatalf("connected precedes any utterance, got request id %q", events[0].RequestID)
	}
}
