package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReconstructAbstract(t *testing.T) {
	index := map[string][]int{
		"the":      {0, 3},
		"trial":    {1},
		"improved": {2},
		"outcome":  {4},
	}
	if got := reconstructAbstract(index); got != "the trial improved the outcome" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := reconstructAbstract(nil); got != "" {
		t.Fatalf("empty index should yield empty string: %q", got)
	}
}

func TestReconstructAbstractSkipsGaps(t *testing.T) {
	index := map[string][]int{"first": {0}, "last": {5}}
	if got := reconstructAbstract(index); got != "first last" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestShortWorkID(t *testing.T) {
	if got := shortWorkID("https://openalex.org/W2741809807"); got != "W2741809807" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := shortWorkID("W123"); got != "W123" {
		t.Fatalf("bare id changed: %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("unexpected: %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("unexpected: %v", got)
	}
	if got := parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"); got != 0 {
		t.Fatalf("http-date should fall back to backoff: %v", got)
	}
}

func openAlexServer(t *testing.T, handler http.HandlerFunc) *OpenAlexSearcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAlexSearcher(OpenAlexConfig{
		BaseURL:    srv.URL,
		Email:      "review@example.org",
		HTTPClient: srv.Client(),
	})
}

func TestOpenAlexSearchCachesMetadata(t *testing.T) {
	fetches := 0
	s := openAlexServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/works" {
			fetches++
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("mailto") != "review@example.org" {
			t.Errorf("mailto missing: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{
					"id":                      "https://openalex.org/W1",
					"title":                   "A trial",
					"publication_year":        2021,
					"abstract_inverted_index": map[string][]int{"improved": {0}, "response": {1}},
					"primary_location":        map[string]any{"source": map[string]any{"display_name": "Journal"}},
				},
			},
		})
	})

	ids, err := s.Search(context.Background(), "metformin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "W1" {
		t.Fatalf("unexpected ids: %v", ids)
	}

	metas, err := s.FetchAbstracts(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches != 0 {
		t.Fatalf("cached metadata should not refetch, got %d fetches", fetches)
	}
	m := metas["W1"]
	if m.Title != "A trial" || m.Abstract != "improved response" || m.Year != 2021 || m.Venue != "Journal" {
		t.Fatalf("unexpected meta: %+v", m)
	}
}

func TestOpenAlexFetchAbstractsSkipsFailures(t *testing.T) {
	s := openAlexServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/works/W1":
			json.NewEncoder(w).Encode(map[string]any{
				"id": "https://openalex.org/W1", "title": "Found", "publication_year": 2020,
			})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	metas, err := s.FetchAbstracts(context.Background(), []string{"W1", "W404"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := metas["W404"]; ok {
		t.Fatal("unfetchable id should be absent, not an error")
	}
	if metas["W1"].Title != "Found" {
		t.Fatalf("unexpected meta: %+v", metas["W1"])
	}
}

func TestOpenAlexRetriesOnServerError(t *testing.T) {
	attempts := 0
	s := openAlexServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "try later", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{}})
	})

	if _, err := s.Search(context.Background(), "anything"); err != nil {
		t.Fatalf("retry should rescue the call: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestOpenAlexClientErrorIsFatal(t *testing.T) {
	attempts := 0
	s := openAlexServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	if _, err := s.Search(context.Background(), "anything"); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", attempts)
	}
}
