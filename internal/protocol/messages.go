package protocol

import "time"

// Recording is a transcript snapshot broadcast on the bus.
type Recording struct {
	RecordingID  string            `json:"recording_id"`
	ConnectionID string            `json:"connection_id"`
	RequestID    string            `json:"request_id,omitempty"`
	Text         string            `json:"text"`
	Status       string            `json:"status,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
	Final        bool              `json:"final"`
	Timestamp    time.Time         `json:"timestamp"`
}

// SearchResult carries the outcome of routing a final recording to search.
type SearchResult struct {
	RecordingID string           `json:"recording_id"`
	SearchID    string           `json:"search_id,omitempty"`
	Index       string           `json:"index"`
	Query       string           `json:"query"`
	KeyPhrases  []string         `json:"key_phrases,omitempty"`
	Documents   []map[string]any `json:"documents"`
	Error       string           `json:"error,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ListenCommand asks the daemon to start or stop the listen loop.
type ListenCommand struct {
	Action string `json:"action"` // start, stop
}

const (
	SubjectRecordingPartial = "listen.recording.partial"
	SubjectRecordingFinal   = "listen.recording.final"
	SubjectSearchResult     = "listen.search.result"
	SubjectListenCommand    = "listen.command"
)
