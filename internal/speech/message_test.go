package speech

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestBinaryFrameRoundTrip(t *testing.T) {
	body := []byte{0, 1, 2, 0xff, '\r', '\n', '\r', '\n', 9}
	frame, err := EncodeBinary(Message{Headers: Headers{"Path": "audio", "X-RequestId": "abc123"}, Body: body})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if frame[0] != 0 || int(frame[1]) != len("Path:audio\r\nX-RequestId:abc123") {
		t.Fatalf("unexpected length prefix %v", frame[:2])
	}
	msg, err := DecodeBinary(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Headers) != 2 || msg.Headers["Path"] != "audio" || msg.Headers["X-RequestId"] != "abc123" {
		t.Fatalf("unexpected headers %v", msg.Headers)
	}
	if !bytes.Equal(msg.Body, body) {
		t.Fatalf("body mismatch: %v", msg.Body)
	}
}

func TestHeadersTooLarge(t *testing.T) {
	_, err := EncodeBinary(Message{Headers: Headers{"Path": "audio", "X-Big": strings.Repeat("x", MaxHeaderBytes)}})
	if !errors.Is(err, ErrHeadersTooLarge) {
		t.Fatalf("expected ErrHeadersTooLarge, got %v", err)
	}
}

func TestTextFrame(t *testing.T) {
	frame := EncodeText(Message{
		Headers: Headers{"Path": "speech.config", "X-Timestamp": "2024-01-02T03:04:05.000Z", "Content-Type": "application/json", "X-RequestId": "r1"},
		Body:    []byte(`{"a":1}`),
	})
	want := "Path:speech.config\r\nX-RequestId:r1\r\nX-Timestamp:2024-01-02T03:04:05.000Z\r\nContent-Type:application/json\r\n\r\n{\"a\":1}"
	if string(frame) != want {
		t.Fatalf("unexpected frame:\n%q\nwant\n%q", frame, want)
	}

	msg := DecodeText(frame)
	if msg.Headers["X-Timestamp"] != "2024-01-02T03:04:05.000Z" {
		t.Fatalf("timestamp must survive colon split, got %q", msg.Headers["X-Timestamp"])
	}
	if !msg.IsJSON() || string(msg.Body) != `{"a":1}` {
		t.Fatalf("unexpected decoded message %+v", msg)
	}
}

func TestDecodeTextTrimsHeaders(t *testing.T) {
	msg := DecodeText([]byte("Path: speech.hypothesis \r\nContent-Type: application/json; charset=utf-8\r\n\r\n{}"))
	if msg.Path() != "speech.hypothesis" {
		t.Fatalf("path = %q", msg.Path())
	}
	if !msg.IsJSON() {
		t.Fatalf("expected json content type")
	}
}

func TestDecodeBinaryRejectsShortFrames(t *testing.T) {
	if _, err := DecodeBinary([]byte{1}); err == nil {
		t.Fatalf("expected error for one byte frame")
	}
	if _, err := DecodeBinary([]byte{0, 10, 'a'}); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  EventType
		ok    bool
		check func(t *testing.T, evt Event)
	}{
		{
			name:  "hypothesis",
			frame: "Path:speech.hypothesis\r\nContent-Type:application/json\r\n\r\n{\"Text\":\"hello\",\"Offset\":100,\"Duration\":5}",
			want:  EventSpeechHypothesis,
			ok:    true,
			check: func(t *testing.T, evt Event) {
				if evt.Hypothesis.Text != "hello" || evt.Hypothesis.Offset != 100 {
					t.Fatalf("unexpected hypothesis %+v", evt.Hypothesis)
				}
			},
		},
		{
			name:  "phrase",
			frame: "Path:speech.phrase\r\nContent-Type:application/json\r\n\r\n{\"RecognitionStatus\":\"Success\",\"DisplayText\":\"Hello.\",\"Offset\":100}",
			want:  EventSpeechPhrase,
			ok:    true,
			check: func(t *testing.T, evt Event) {
				if evt.Phrase.RecognitionStatus != "Success" || evt.Phrase.DisplayText != "Hello." {
					t.Fatalf("unexpected phrase %+v", evt.Phrase)
				}
			},
		},
		{
			name:  "translation",
			frame: "Path:translation.phrase\r\nContent-Type:application/json\r\n\r\n{\"Text\":\"hola\",\"Translation\":{\"TranslationStatus\":\"Success\",\"Translations\":[{\"Language\":\"en\",\"Text\":\"hello\"}]}}",
			want:  EventTranslationPhrase,
			ok:    true,
			check: func(t *testing.T, evt Event) {
				if got := evt.TranslationPhrase.Translation.Translations[0].Text; got != "hello" {
					t.Fatalf("unexpected translation %q", got)
				}
			},
		},
		{
			name:  "turn end",
			frame: "Path:turn.end\r\nContent-Type:application/json\r\n\r\n{\"context\":{}}",
			want:  EventTurnEnd,
			ok:    true,
		},
		{
			name:  "malformed json",
			frame: "Path:speech.phrase\r\nContent-Type:application/json\r\n\r\n{\"Text\":",
			want:  EventError,
			ok:    true,
			check: func(t *testing.T, evt Event) {
				if evt.Err == nil {
					t.Fatalf("expected decode error")
				}
			},
		},
		{
			name:  "unknown path",
			frame: "Path:speech.fragment\r\nContent-Type:application/json\r\n\r\n{}",
			ok:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok := decodeEvent(DecodeText([]byte(tt.frame)))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if evt.Type != tt.want {
				t.Fatalf("type = %q, want %q", evt.Type, tt.want)
			}
			if tt.check != nil {
				tt.check(t, evt)
			}
		})
	}
}

func TestEndpointURLs(t *testing.T) {
	got := STT("westus", "k1", "en-US").URL("conn1")
	want := "wss://westus.stt.speech.microsoft.com/speech/recognition/interactive/cognitiveservices/v1?language=en-US&Ocp-Apim-Subscription-Key=k1&X-ConnectionId=conn1"
	if got != want {
		t.Fatalf("stt url\n got %s\nwant %s", got, want)
	}

	got = S2S("westus", "k1", "en-US", "de").URL("conn1")
	want = "wss://westus.s2s.speech.microsoft.com/speech/translation/cognitiveservices/v1?from=en-US&to=de&Ocp-Apim-Subscription-Key=k1&X-ConnectionId=conn1"
	if got != want {
		t.Fatalf("s2s url\n got %s\nwant %s", got, want)
	}

	got = FromEndpoint("https://example.com/speech?format=simple", "k1").URL("conn1")
	want = "wss://example.com/speech?format=simple&Ocp-Apim-Subscription-Key=k1&X-ConnectionId=conn1"
	if got != want {
		t.Fatalf("endpoint url\n got %s\nwant %s", got, want)
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	if len(id) != 32 || strings.Contains(id, "-") {
		t.Fatalf("unexpected id %q", id)
	}
	if id == NewID() {
		t.Fatalf("ids must differ")
	}
}

func TestLanguageTables(t *testing.T) {
	if !IsSourceLanguage("en-US") || IsSourceLanguage("en") {
		t.Fatalf("unexpected source language lookup")
	}
	if !IsTargetLanguage("de") || IsTargetLanguage("xx") {
		t.Fatalf("unexpected target language lookup")
	}
}
