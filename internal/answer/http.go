package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type httpProvider struct {
	endpoint string
	context  string
	client   *http.Client
}

type httpRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type httpResponse struct {
	Answer string `json:"answer"`
}

// NewHTTPProvider posts {question, context} to endpoint and reads {answer}.
// A nil client uses http.DefaultClient; deadlines come from ctx.
func NewHTTPProvider(endpoint, contextTag string, client *http.Client) Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpProvider{endpoint: endpoint, context: contextTag, client: client}
}

func (p *httpProvider) Generate(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(httpRequest{Question: question, Context: p.context})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("answer endpoint returned status %s", resp.Status)
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode answer response: %w", err)
	}
	if strings.TrimSpace(decoded.Answer) == "" {
		return "", ErrEmptyAnswer
	}
	return decoded.Answer, nil
}
