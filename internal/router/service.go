package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/lookup"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Searcher interface {
	Search(ctx context.Context, index string, q lookup.Query) (lookup.SearchResult, error)
}

type PhraseExtractor interface {
	KeyPhrases(ctx context.Context, text string) ([]string, error)
}

type ImageAssigner interface {
	AssignImages(ctx context.Context, docs []lookup.Document) error
}

// Deps are the lookup services a Service routes to. Phrases and Images are
// optional.
type Deps struct {
	Search  Searcher
	Phrases PhraseExtractor
	Images  ImageAssigner
}

// Service turns final recordings on the bus into search queries and
// publishes the results.
type Service struct {
	cfg    config.RouterConfig
	index  string
	deps   Deps
	bus    *bus.Client
	logger *slog.Logger
	tracer trace.Tracer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewService(parent context.Context, cfg config.RouterConfig, index string, busClient *bus.Client, deps Deps, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		index:  index,
		deps:   deps,
		bus:    busClient,
		logger: logger.With(slog.String("component", "router")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-listen/router"),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectRecordingFinal, s.handleRecording)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

func (s *Service) handleRecording(msg *nats.Msg) {
	var rec protocol.Recording
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		s.logger.Warn("router failed to decode recording", slogError(err))
		return
	}
	if rec.Text == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, ok := s.Route(s.ctx, rec)
		if !ok {
			return
		}
		if err := s.bus.PublishJSON(protocol.SubjectSearchResult, result); err != nil {
			s.logger.Warn("router failed to publish search result", slogError(err))
		}
	}()
}

// Route runs the search for one recording. It reports false when there is
// nothing to search for.
func (s *Service) Route(ctx context.Context, rec protocol.Recording) (protocol.SearchResult, bool) {
	ctx, span := s.tracer.Start(ctx, "router.Route", trace.WithAttributes(
		attribute.String("recording.id", rec.RecordingID),
		attribute.Bool("router.key_phrases", s.cfg.UseKeyPhrase),
	))
	defer span.End()

	result := protocol.SearchResult{
		RecordingID: rec.RecordingID,
		Index:       s.index,
		Timestamp:   s.now().UTC(),
	}
	log := s.logger.With(slog.String("recording_id", rec.RecordingID))

	query := lookup.TextQuery(rec.Text)
	if s.cfg.UseKeyPhrase && s.deps.Phrases != nil {
		phrases, err := s.deps.Phrases.KeyPhrases(ctx, rec.Text)
		if err != nil {
			log.Warn("key phrase extraction failed", slogError(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "key phrases")
			result.Error = err.Error()
			return result, true
		}
		if len(phrases) == 0 {
			log.Debug("no key phrases, skipping search")
			return result, false
		}
		result.KeyPhrases = phrases
		query = lookup.KeyPhraseQuery(phrases)
	}
	result.Query = query.Search

	res, err := s.deps.Search.Search(ctx, s.index, query)
	if err != nil {
		log.Warn("search failed", slogError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "search")
		result.Error = err.Error()
		return result, true
	}
	result.SearchID = res.SearchID

	if s.deps.Images != nil && len(res.Documents) > 0 {
		if err := s.deps.Images.AssignImages(ctx, res.Documents); err != nil {
			log.Warn("image lookup incomplete", slogError(err))
		}
	}
	result.Documents = make([]map[string]any, len(res.Documents))
	for i, doc := range res.Documents {
		result.Documents[i] = doc
	}
	span.SetAttributes(attribute.Int("search.results", len(result.Documents)))
	return result, true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
