package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiResult is the hosted backend's generic response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPStorage is a Storage backed by the hosted database's REST API.
type HTTPStorage struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPStorageOption configures an HTTPStorage.
type HTTPStorageOption func(*HTTPStorage)

// WithHTTPStorageToken sets the bearer token for API requests.
func WithHTTPStorageToken(token string) HTTPStorageOption {
	return func(s *HTTPStorage) { s.token = token }
}

// WithHTTPStorageClient replaces the default HTTP client.
func WithHTTPStorageClient(client *http.Client) HTTPStorageOption {
	return func(s *HTTPStorage) { s.httpClient = client }
}

// NewHTTPStorage creates a REST-backed storage rooted at baseURL.
func NewHTTPStorage(baseURL string, opts ...HTTPStorageOption) *HTTPStorage {
	s := &HTTPStorage{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPStorage) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*apiResult, error) {
	u := s.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
	return &result, nil
}

// Insert implements Storage.
func (s *HTTPStorage) Insert(ctx context.Context, m Message) error {
	_, err := s.doRequest(ctx, "POST", "/api/messages", m, nil)
	return err
}

// Update implements Storage.
func (s *HTTPStorage) Update(ctx context.Context, id string, upd MessageUpdate) error {
	fields := map[string]any{}
	if upd.ID != nil {
		fields["id"] = *upd.ID
	}
	if upd.Status != nil {
		fields["status"] = *upd.Status
	}
	if upd.TransportRef != nil {
		fields["transportRef"] = *upd.TransportRef
	}
	if upd.FailureReason != nil {
		fields["failureReason"] = *upd.FailureReason
	}
	_, err := s.doRequest(ctx, "PATCH", "/api/messages/"+url.PathEscape(id), fields, nil)
	return err
}

// QueryHistory implements Storage.
func (s *HTTPStorage) QueryHistory(ctx context.Context, contactID string) ([]Message, error) {
	result, err := s.doRequest(ctx, "GET", "/api/messages", nil, map[string]string{
		"contactId": contactID,
	})
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if result.Data != nil {
		if err := json.Unmarshal(result.Data, &msgs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	return msgs, nil
}
