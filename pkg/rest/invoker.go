// Package rest provides the generic request/response collaborator used by the
// non-streaming service endpoints. Callers hand it a method, path, query and
// body; it performs one HTTP call and returns the parsed JSON payload.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/harunnryd/salin/pkg/auth"
	"github.com/harunnryd/salin/pkg/errorsx"
	"github.com/harunnryd/salin/pkg/logging"
)

// Invoker issues one service call and returns the raw JSON body.
type Invoker interface {
	Invoke(ctx context.Context, method, path string, query url.Values, body any, headers http.Header) (json.RawMessage, error)
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// JSONInvoker is the default Invoker on net/http.
type JSONInvoker struct {
	baseURL string
	tokens  auth.TokenSource
	client  *http.Client
	logger  *slog.Logger
}

type InvokerOption func(*JSONInvoker)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) InvokerOption {
	return func(i *JSONInvoker) { i.client = c }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) InvokerOption {
	return func(i *JSONInvoker) { i.logger = logging.NewComponentLogger(l, "rest_invoker") }
}

func NewJSONInvoker(baseURL string, tokens auth.TokenSource, opts ...InvokerOption) *JSONInvoker {
	inv := &JSONInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logging.NewComponentLogger(slog.Default(), "rest_invoker"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *JSONInvoker) Invoke(ctx context.Context, method, path string, query url.Values, body any, headers http.Header) (json.RawMessage, error) {
	target := i.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if i.tokens != nil {
		token, err := i.tokens.Token(ctx)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonAuth)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConnection)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConnection)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		i.logger.Warn("rest_invoke_failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

var _ Invoker = (*JSONInvoker)(nil)
