package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/lookup"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []lookup.Query
	err     error
}

func (f *fakeSearch) Search(_ context.Context, index string, q lookup.Query) (lookup.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return lookup.SearchResult{}, f.err
	}
	return lookup.SearchResult{
		SearchID:  "sid-1",
		Index:     index,
		Documents: []lookup.Document{{"id": "1", "objectId": "42"}},
	}, nil
}

type fakePhrases struct{ phrases []string }

func (f fakePhrases) KeyPhrases(context.Context, string) ([]string, error) { return f.phrases, nil }

type fakeImages struct{}

func (fakeImages) AssignImages(_ context.Context, docs []lookup.Document) error {
	for _, d := range docs {
		d["images"] = lookup.Images{Primary: "img-" + d.ObjectID()}
	}
	return nil
}

func TestRouteTextQuery(t *testing.T) {
	search := &fakeSearch{}
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, "artworks", nil, Deps{Search: search, Images: fakeImages{}}, newLogger())

	res, ok := svc.Route(context.Background(), protocol.Recording{RecordingID: "r1", Text: "blue horses"})
	if !ok {
		t.Fatalf("expected a result")
	}
	if res.SearchID != "sid-1" || res.Query != "blue horses" || res.Index != "artworks" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("expected one document, got %d", len(res.Documents))
	}
	if img, ok := res.Documents[0]["images"].(lookup.Images); !ok || img.Primary != "img-42" {
		t.Fatalf("expected images to be assigned, got %+v", res.Documents[0])
	}
	if q := search.queries[0]; q.Filter != lookup.DefaultFilter || q.QueryType != "" {
		t.Fatalf("unexpected query %+v", q)
	}
}

func TestRouteKeyPhrases(t *testing.T) {
	search := &fakeSearch{}
	cfg := config.RouterConfig{Enabled: true, UseKeyPhrase: true}
	svc := NewService(context.Background(), cfg, "artworks", nil, Deps{Search: search, Phrases: fakePhrases{[]string{"blue horses", "rider"}}}, newLogger())

	res, ok := svc.Route(context.Background(), protocol.Recording{RecordingID: "r2", Text: "show me blue horses with a rider"})
	if !ok {
		t.Fatalf("expected a result")
	}
	if res.Query != `"blue horses" AND "rider"` || len(res.KeyPhrases) != 2 {
		t.Fatalf("unexpected key phrase result %+v", res)
	}
	if search.queries[0].QueryType != "full" {
		t.Fatalf("key phrase queries use the full syntax")
	}

	none := NewService(context.Background(), cfg, "artworks", nil, Deps{Search: search, Phrases: fakePhrases{}}, newLogger())
	if _, ok := none.Route(context.Background(), protocol.Recording{Text: "um"}); ok {
		t.Fatalf("expected no search without key phrases")
	}
}

func TestRouteSearchError(t *testing.T) {
	search := &fakeSearch{err: errors.New("boom")}
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, "artworks", nil, Deps{Search: search}, newLogger())
	res, ok := svc.Route(context.Background(), protocol.Recording{RecordingID: "r3", Text: "x"})
	if !ok || res.Error == "" {
		t.Fatalf("expected an error result, got %+v", res)
	}
}

func TestServicePublishesResults(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "router-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	results := make(chan protocol.SearchResult, 1)
	if _, err := client.Subscribe(protocol.SubjectSearchResult, func(msg *nats.Msg) {
		var res protocol.SearchResult
		if err := json.Unmarshal(msg.Data, &res); err == nil {
			results <- res
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, "artworks", client, Deps{Search: &fakeSearch{}}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("router should be healthy after start")
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectRecordingFinal, protocol.Recording{RecordingID: "r4", Text: "sunflowers", Final: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case res := <-results:
		if res.RecordingID != "r4" || res.SearchID != "sid-1" || len(res.Documents) != 1 {
			t.Fatalf("unexpected search result %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for search result")
	}
}
