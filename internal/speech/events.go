package speech

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventSpeechStart           EventType = "speech.startDetected"
	EventSpeechHypothesis      EventType = "speech.hypothesis"
	EventSpeechPhrase          EventType = "speech.phrase"
	EventSpeechEnd             EventType = "speech.endDetected"
	EventTranslationHypothesis EventType = "translation.hypothesis"
	EventTranslationPhrase     EventType = "translation.phrase"
	EventTurnStart             EventType = "turn.start"
	EventTurnEnd               EventType = "turn.end"
	EventConnected             EventType = "connected"
	EventDisconnected          EventType = "disconnected"
	EventError                 EventType = "error"
)

// Event is a decoded message from the speech service. Exactly one payload
// field is set, matching Type.
type Event struct {
	Type EventType
	// RequestID is the utterance active when the service sent the event.
	RequestID             string
	Hypothesis            *SpeechHypothesis
	Phrase                *SpeechPhrase
	Boundary              *SpeechBoundary
	TranslationHypothesis *TranslationHypothesis
	TranslationPhrase     *TranslationPhrase
	Turn                  json.RawMessage
	Err                   error
}

type SpeechHypothesis struct {
	Text     string `json:"Text"`
	Offset   int64  `json:"Offset"`
	Duration int64  `json:"Duration"`
}

type SpeechPhrase struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
	Offset            int64  `json:"Offset"`
	Duration          int64  `json:"Duration"`
}

type SpeechBoundary struct {
	Offset int64 `json:"Offset"`
}

type TranslationInfo struct {
	TranslationStatus string        `json:"TranslationStatus"`
	Translations      []Translation `json:"Translations"`
}

type Translation struct {
	Language string `json:"Language"`
	Text     string `json:"Text"`
}

type TranslationHypothesis struct {
	SpeechHypothesis
	Translation TranslationInfo `json:"Translation"`
}

type TranslationPhrase struct {
	RecognitionStatus string          `json:"RecognitionStatus"`
	Offset            int64           `json:"Offset"`
	Duration          int64           `json:"Duration"`
	Text              string          `json:"Text"`
	Translation       TranslationInfo `json:"Translation"`
}

// decodeEvent classifies msg by its Path header. ok is false for paths the
// client does not understand. Body decode failures produce an EventError.
func decodeEvent(msg Message) (evt Event, ok bool) {
	typ := EventType(msg.Path())
	evt.Type = typ

	var target any
	switch typ {
	case EventSpeechStart, EventSpeechEnd:
		evt.Boundary = &SpeechBoundary{}
		target = evt.Boundary
	case EventSpeechHypothesis:
		evt.Hypothesis = &SpeechHypothesis{}
		target = evt.Hypothesis
	case EventSpeechPhrase:
		evt.Phrase = &SpeechPhrase{}
		target = evt.Phrase
	case EventTranslationHypothesis:
		evt.TranslationHypothesis = &TranslationHypothesis{}
		target = evt.TranslationHypothesis
	case EventTranslationPhrase:
		evt.TranslationPhrase = &TranslationPhrase{}
		target = evt.TranslationPhrase
	case EventTurnStart, EventTurnEnd:
		if len(msg.Body) > 0 {
			evt.Turn = json.RawMessage(msg.Body)
		}
		if msg.IsJSON() && len(msg.Body) > 0 && !json.Valid(msg.Body) {
			return Event{Type: EventError, Err: fmt.Errorf("decode %s body: invalid json", typ)}, true
		}
		return evt, true
	default:
		return Event{}, false
	}

	if !msg.IsJSON() {
		return Event{Type: EventError, Err: fmt.Errorf("decode %s body: unexpected content type %q", typ, msg.Headers[HeaderContentType])}, true
	}
	if err := json.Unmarshal(msg.Body, target); err != nil {
		return Event{Type: EventError, Err: fmt.Errorf("decode %s body: %w", typ, err)}, true
	}
	return evt, true
}
