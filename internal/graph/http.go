package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPStore upserts records with PUT {endpoint}/{aggregate_type}/{aggregate_id}.
// The content hash travels as the Idempotency-Key header.
type HTTPStore struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPStore returns a store posting to endpoint. Per-call deadlines come
// from the caller's context. token is sent as a bearer token when set.
func NewHTTPStore(endpoint, token string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid graph endpoint %q", endpoint)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   client,
	}, nil
}

func (s *HTTPStore) Upsert(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode graph record: %w", err)
	}

	target := s.endpoint + "/" + url.PathEscape(rec.AggregateType) + "/" + url.PathEscape(rec.AggregateID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ContentHash)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph upsert failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph upsert returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
