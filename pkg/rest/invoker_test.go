package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/goccy/go-json"

	"github.com/harunnryd/salin/pkg/auth"
)

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Fatalf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("language"); got != "en-US" {
			t.Fatalf("unexpected query %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"en-US_BroadbandModel"}]}`))
	}))
	defer srv.Close()

	inv := NewJSONInvoker(srv.URL, auth.StaticTokenSource("tok-123"))
	raw, err := inv.Invoke(context.Background(), http.MethodGet, "/v1/models",
		url.Values{"language": {"en-US"}}, nil, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(parsed.Models) != 1 || parsed.Models[0].Name != "en-US_BroadbandModel" {
		t.Fatalf("unexpected payload %+v", parsed)
	}
}

func TestInvokeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	inv := NewJSONInvoker(srv.URL, nil)
	_, err := inv.Invoke(context.Background(), http.MethodGet, "/v1/models/nope", nil, nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", httpErr.Status)
	}
	if httpErr.Body != `{"error":"model not found"}` {
		t.Fatalf("unexpected body %q", httpErr.Body)
	}
}

func TestInvokePostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Fatalf("expected json content type, got %q", r.Header.Get("Content-Type"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["name"] != "custom-1" {
			t.Fatalf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"customization_id":"abc"}`))
	}))
	defer srv.Close()

	inv := NewJSONInvoker(srv.URL, nil)
	raw, err := inv.Invoke(context.Background(), http.MethodPost, "v1/customizations", nil,
		map[string]string{"name": "custom-1"}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(raw) != `{"customization_id":"abc"}` {
		t.Fatalf("unexpected raw %s", raw)
	}
}
