package reason

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStripMarkdownFence(t *testing.T) {
	got := stripMarkdownFence("```json\n{\"task\":\"count\"}\n```")
	if got != `{"task":"count"}` {
		t.Fatalf("stripMarkdownFence() = %q", got)
	}
	if got := stripMarkdownFence("  plain  "); got != "plain" {
		t.Fatalf("stripMarkdownFence() = %q", got)
	}
}

func TestCompleteJSONParsesFencedObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "```json\n{\"task\":\"count\",\"category\":\"Doors\"}\n```"}},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	raw, err := client.CompleteJSON(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("CompleteJSON() error = %v", err)
	}
	var decoded struct {
		Task     string `json:"task"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded.Task != "count" || decoded.Category != "Doors" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestCompleteJSONRejectsNonJSONContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "sorry, I cannot do that"}},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.CompleteJSON(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected error for non-JSON content")
	}
}

func TestCompleteTextErrorsOnEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.CompleteText(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestEmbedReturnsFirstEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float64{0.25, -0.5, 1}},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	vec, err := client.Embed(context.Background(), "supply air ducts")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[2] != 1 {
		t.Fatalf("vec = %v", vec)
	}
}

func TestEmbedErrorsOnEmptyData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.Embed(context.Background(), "anything"); err == nil {
		t.Fatal("expected error for empty embedding data")
	}
}

func TestUpstreamErrorStatusSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.CompleteText(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected error for upstream failure status")
	}
}

func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: baseURL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	return client
}
