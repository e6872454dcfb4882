package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/speech"
)

// Follow journals every event of sub under sessionID until the subscription
// completes or ctx ends. It blocks; run it on its own goroutine.
func (s *Store) Follow(ctx context.Context, sessionID string, sub *speech.Subscription) {
	defer sub.Unsubscribe()
	if err := s.AppendSession(ctx, sessionID); err != nil {
		s.log.Warn("journal session failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	appended := 0
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			rec := Event{SessionID: sessionID, RequestID: evt.RequestID, Type: string(evt.Type), Payload: eventPayload(evt)}
			if err := s.AppendEvent(ctx, rec); err != nil {
				s.log.Warn("journal event failed", slog.String("type", rec.Type), slog.String("error", err.Error()))
				continue
			}
			appended++
			if s.cfg.MaxEvents > 0 && appended%s.cfg.MaxEvents == 0 {
				if err := s.Prune(ctx); err != nil {
					s.log.Warn("journal prune failed", slog.String("error", err.Error()))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func eventPayload(evt speech.Event) json.RawMessage {
	var v any
	switch {
	case evt.Hypothesis != nil:
		v = evt.Hypothesis
	case evt.Phrase != nil:
		v = evt.Phrase
	case evt.Boundary != nil:
		v = evt.Boundary
	case evt.TranslationHypothesis != nil:
		v = evt.TranslationHypothesis
	case evt.TranslationPhrase != nil:
		v = evt.TranslationPhrase
	case len(evt.Turn) > 0:
		return evt.Turn
	case evt.Err != nil:
		v = map[string]string{"error": evt.Err.Error()}
	default:
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
