package lookup

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const textAPIPath = "/v2.1-preview"

type Entity struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	SubType      string `json:"subType,omitempty"`
	WikipediaURL string `json:"wikipediaUrl,omitempty"`
}

// TextClient calls the text analytics service for a single English document.
type TextClient struct {
	endpoint string
	key      string
	language string
	client   *http.Client
}

func NewTextClient(endpoint, key string, client *http.Client) *TextClient {
	return &TextClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		key:      key,
		language: "en",
		client:   defaultHTTPClient(client),
	}
}

type textDocument struct {
	Language string `json:"language"`
	ID       string `json:"id"`
	Text     string `json:"text"`
}

type textRequest struct {
	Documents []textDocument `json:"documents"`
}

type textError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (c *TextClient) post(ctx context.Context, op, text string, out any) error {
	body := textRequest{Documents: []textDocument{{Language: c.language, ID: "1", Text: text}}}
	req, err := newJSONRequest(ctx, http.MethodPost, c.endpoint+textAPIPath+"/"+op, body)
	if err != nil {
		return err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)
	if _, err := doJSON(c.client, req, out); err != nil {
		return fmt.Errorf("text analytics %s: %w", op, err)
	}
	return nil
}

// KeyPhrases returns the key phrases of text. An empty result is not an error.
func (c *TextClient) KeyPhrases(ctx context.Context, text string) ([]string, error) {
	var resp struct {
		Documents []struct {
			ID         string   `json:"id"`
			KeyPhrases []string `json:"keyPhrases"`
		} `json:"documents"`
		Errors []textError `json:"errors"`
	}
	if err := c.post(ctx, "keyPhrases", text, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("text analytics keyPhrases: %s", resp.Errors[0].Message)
	}
	if len(resp.Documents) == 0 {
		return nil, nil
	}
	return resp.Documents[0].KeyPhrases, nil
}

func (c *TextClient) Entities(ctx context.Context, text string) ([]Entity, error) {
	var resp struct {
		Documents []struct {
			ID       string   `json:"id"`
			Entities []Entity `json:"entities"`
		} `json:"documents"`
		Errors []textError `json:"errors"`
	}
	if err := c.post(ctx, "entities", text, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("text analytics entities: %s", resp.Errors[0].Message)
	}
	if len(resp.Documents) == 0 {
		return nil, nil
	}
	return resp.Documents[0].Entities, nil
}
