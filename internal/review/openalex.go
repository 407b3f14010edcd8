package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	OpenAlexBaseURL    = "https://api.openalex.org"
	openAlexWorksPath  = "/works"
	openAlexMaxPerPage = 200
)

type OpenAlexConfig struct {
	BaseURL    string
	Email      string // polite-pool mailto parameter
	PerPage    int
	HTTPClient *http.Client
}

// OpenAlexSearcher implements LiteratureSearcher against the OpenAlex Works
// API. Work metadata seen during search is cached so FetchAbstracts usually
// serves from memory; identifiers that were never searched are fetched
// individually.
type OpenAlexSearcher struct {
	cfg   OpenAlexConfig
	mu    sync.Mutex
	cache map[string]StudyMeta
}

func NewOpenAlexSearcher(cfg OpenAlexConfig) *OpenAlexSearcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAlexBaseURL
	}
	if cfg.PerPage <= 0 || cfg.PerPage > openAlexMaxPerPage {
		cfg.PerPage = 50
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAlexSearcher{cfg: cfg, cache: map[string]StudyMeta{}}
}

func (s *OpenAlexSearcher) Name() string { return "openalex" }

type openAlexWork struct {
	ID                    string           `json:"id"`
	Title                 string           `json:"title"`
	PublicationYear       int              `json:"publication_year"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	PrimaryLocation       struct {
		Source struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
}

type openAlexListResponse struct {
	Results []openAlexWork `json:"results"`
}

func (s *OpenAlexSearcher) Search(ctx context.Context, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty query")
	}
	params := url.Values{
		"search":   {query},
		"per_page": {strconv.Itoa(s.cfg.PerPage)},
		"page":     {"1"},
	}
	if s.cfg.Email != "" {
		params.Set("mailto", s.cfg.Email)
	}
	body, err := s.get(ctx, strings.TrimRight(s.cfg.BaseURL, "/")+openAlexWorksPath+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var parsed openAlexListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse openalex response: %w", err)
	}

	ids := make([]string, 0, len(parsed.Results))
	s.mu.Lock()
	for _, w := range parsed.Results {
		id := shortWorkID(w.ID)
		if id == "" {
			continue
		}
		ids = append(ids, id)
		s.cache[id] = workMeta(w)
	}
	s.mu.Unlock()
	return ids, nil
}

func (s *OpenAlexSearcher) FetchAbstracts(ctx context.Context, ids []string) (map[string]StudyMeta, error) {
	out := make(map[string]StudyMeta, len(ids))
	missing := []string{}
	s.mu.Lock()
	for _, id := range ids {
		if meta, ok := s.cache[id]; ok {
			out[id] = meta
		} else {
			missing = append(missing, id)
		}
	}
	s.mu.Unlock()

	for _, id := range missing {
		body, err := s.get(ctx, strings.TrimRight(s.cfg.BaseURL, "/")+openAlexWorksPath+"/"+url.PathEscape(id))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Leave the identifier absent; the search stage tolerates
			// missing metadata.
			continue
		}
		var w openAlexWork
		if err := json.Unmarshal(body, &w); err != nil {
			continue
		}
		meta := workMeta(w)
		out[id] = meta
		s.mu.Lock()
		s.cache[id] = meta
		s.mu.Unlock()
	}
	return out, nil
}

func (s *OpenAlexSearcher) get(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		res, err := s.cfg.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < 3 {
				if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		res.Body.Close()

		switch {
		case res.StatusCode == http.StatusOK:
			return b, nil
		case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
			lastErr = fmt.Errorf("status code: %d", res.StatusCode)
			if attempt < 3 {
				sleep := parseRetryAfter(res.Header.Get("Retry-After"))
				if sleep <= 0 {
					sleep = backoffDelay(attempt)
				}
				if err := sleepCtx(ctx, sleep); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		default:
			return nil, fmt.Errorf("status code: %d body=%s", res.StatusCode, clampString(string(b), 200))
		}
	}
	return nil, lastErr
}

func workMeta(w openAlexWork) StudyMeta {
	return StudyMeta{
		Title:    strings.TrimSpace(w.Title),
		Abstract: reconstructAbstract(w.AbstractInvertedIndex),
		Year:     w.PublicationYear,
		Venue:    strings.TrimSpace(w.PrimaryLocation.Source.DisplayName),
	}
}

// shortWorkID strips the https://openalex.org/ prefix, leaving the bare
// accession (e.g. W2741809807).
func shortWorkID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}

// reconstructAbstract rebuilds plain text from the inverted index OpenAlex
// publishes instead of raw abstracts.
func reconstructAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	maxPos := -1
	for _, positions := range index {
		for _, p := range positions {
			if p > maxPos {
				maxPos = p
			}
		}
	}
	if maxPos < 0 {
		return ""
	}
	words := make([]string, maxPos+1)
	for word, positions := range index {
		for _, p := range positions {
			if p >= 0 && p < len(words) {
				words[p] = word
			}
		}
	}
	kept := words[:0]
	for _, w := range words {
		if w != "" {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
