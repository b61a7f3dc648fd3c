package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/pkg/models"
)

func newFakeOpenAIServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func drainChunks(t *testing.T, chunks <-chan *Chunk) (text string, done bool, errs []error) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return text, done, errs
			}
			text += chunk.Text
			if chunk.Done {
				done = true
			}
			if chunk.Err != nil {
				errs = append(errs, chunk.Err)
			}
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestOpenAIBackendRecordsRequestMetrics(t *testing.T) {
	srv := newFakeOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"content":"hello"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	m := observability.NewMetrics()
	backend, err := NewOpenAIBackend(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v1",
		Model:   "gpt-test",
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	chunks, err := backend.StreamCompletion(context.Background(), &Request{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, done, errs := drainChunks(t, chunks)
	if text != "hello" || !done || len(errs) != 0 {
		t.Fatalf("text=%q done=%v errs=%v", text, done, errs)
	}

	got := testutil.ToFloat64(m.BackendRequestCounter.WithLabelValues("openai", "gpt-test", "success"))
	if got != 1 {
		t.Errorf("success requests = %v, want 1", got)
	}

	// An auth failure counts once under the error status without retrying.
	failing := newFakeOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})
	backend, err = NewOpenAIBackend(OpenAIConfig{
		APIKey:  "bad-key",
		BaseURL: failing.URL + "/v1",
		Model:   "gpt-test",
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := backend.StreamCompletion(context.Background(), &Request{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatal("expected auth error")
	}

	got = testutil.ToFloat64(m.BackendRequestCounter.WithLabelValues("openai", "gpt-test", "error"))
	if got != 1 {
		t.Errorf("error requests = %v, want 1", got)
	}
}
