package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	SearchAPIVersion = "2017-11-11-Preview"
	// DefaultFilter keeps results that can be shown with an image.
	DefaultFilter = "hasPrimaryImage"
)

// SearchEndpoint returns the base URL of a hosted search service.
func SearchEndpoint(service string) string {
	return fmt.Sprintf("https://%s.search.windows.net", service)
}

type Query struct {
	Search    string `json:"search"`
	Filter    string `json:"filter,omitempty"`
	QueryType string `json:"queryType,omitempty"`
}

// TextQuery searches for the transcript as typed.
func TextQuery(text string) Query {
	return Query{Search: text, Filter: DefaultFilter}
}

// KeyPhraseQuery requires every phrase to match exactly.
func KeyPhraseQuery(phrases []string) Query {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		quoted = append(quoted, `"`+p+`"`)
	}
	return Query{
		Search:    strings.Join(quoted, " AND "),
		Filter:    DefaultFilter,
		QueryType: "full",
	}
}

// Document is one search hit. Fields are index specific.
type Document map[string]any

// ObjectID returns the objectId field as a string, if present.
func (d Document) ObjectID() string {
	switch v := d["objectId"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type SearchResult struct {
	SearchID  string     `json:"searchId"`
	Index     string     `json:"index"`
	Documents []Document `json:"value"`
}

type SearchClient struct {
	endpoint string
	key      string
	client   *http.Client
	log      *slog.Logger
}

func NewSearchClient(endpoint, key string, client *http.Client, logger *slog.Logger) *SearchClient {
	return &SearchClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		key:      key,
		client:   defaultHTTPClient(client),
		log:      logger.With(slog.String("component", "search-client")),
	}
}

// Search runs q against index. The service request id is returned as SearchID.
func (c *SearchClient) Search(ctx context.Context, index string, q Query) (SearchResult, error) {
	u := fmt.Sprintf("%s/indexes/%s/docs/search?%s", c.endpoint, url.PathEscape(index),
		url.Values{"api-version": {SearchAPIVersion}}.Encode())
	req, err := newJSONRequest(ctx, http.MethodPost, u, q)
	if err != nil {
		return SearchResult{}, err
	}
	req.Header.Set("api-key", c.key)

	var result SearchResult
	headers, err := doJSON(c.client, req, &result)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search %s: %w", index, err)
	}
	result.SearchID = headers.Get("request-id")
	result.Index = index
	c.log.Info("search complete",
		slog.String("search_id", result.SearchID),
		slog.String("index", index),
		slog.String("query", q.Search),
		slog.Int("results", len(result.Documents)),
	)
	return result, nil
}
