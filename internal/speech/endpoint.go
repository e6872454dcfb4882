package speech

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	sttHostFmt = "%s.stt.speech.microsoft.com"
	s2sHostFmt = "%s.s2s.speech.microsoft.com"

	sttPath = "/speech/recognition/interactive/cognitiveservices/v1"
	s2sPath = "/speech/translation/cognitiveservices/v1"

	DefaultAudioContentType = "audio/x-wav"
)

// Endpoint identifies a speech service websocket. Key and the connection id
// are appended as query parameters when the URL is built.
type Endpoint struct {
	Host       string
	Path       string
	Key        string
	Parameters map[string]string

	// Raw, when set, is a full service URL that Host/Path/Parameters are
	// ignored for.
	Raw string
}

// STT targets the interactive recognition endpoint in region.
func STT(region, key, language string) Endpoint {
	return Endpoint{
		Host:       fmt.Sprintf(sttHostFmt, region),
		Path:       sttPath,
		Key:        key,
		Parameters: map[string]string{"language": language},
	}
}

// S2S targets the speech translation endpoint in region.
func S2S(region, key, from, to string) Endpoint {
	return Endpoint{
		Host:       fmt.Sprintf(s2sHostFmt, region),
		Path:       s2sPath,
		Key:        key,
		Parameters: map[string]string{"from": from, "to": to},
	}
}

// FromEndpoint uses a service URL as given, switching https to wss.
func FromEndpoint(endpoint, key string) Endpoint {
	return Endpoint{Raw: endpoint, Key: key}
}

// URL renders the websocket URL for a connection.
func (e Endpoint) URL(connectionID string) string {
	auth := url.Values{}
	auth.Set("Ocp-Apim-Subscription-Key", e.Key)
	auth.Set("X-ConnectionId", connectionID)

	if e.Raw != "" {
		base := strings.Replace(e.Raw, "https:", "wss:", 1)
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + auth.Encode()
	}

	query := url.Values{}
	for k, v := range e.Parameters {
		query.Set(k, v)
	}
	u := url.URL{Scheme: "wss", Host: e.Host, Path: e.Path, RawQuery: query.Encode()}
	if u.RawQuery != "" {
		u.RawQuery += "&"
	}
	u.RawQuery += auth.Encode()
	return u.String()
}

// NewID returns a UUID with the hyphens removed, as the service expects for
// request and connection ids.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
