package review

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// StudyMeta is the abstract-level metadata a literature backend returns for
// one identifier.
type StudyMeta struct {
	Title    string
	Abstract string
	Year     int
	Venue    string
}

// LiteratureSearcher is the boundary to a bibliographic database. Search
// returns identifiers in backend-reported relevance order.
type LiteratureSearcher interface {
	Name() string
	Search(ctx context.Context, query string) ([]string, error)
	FetchAbstracts(ctx context.Context, ids []string) (map[string]StudyMeta, error)
}

// SearchOutput is the search stage result plus the provenance counts the
// PRISMA summary needs.
type SearchOutput struct {
	Studies        []Study
	Identified     int
	AfterDedup     int
	QueriesRun     int
	QueriesFailed  int
	MockData       bool
	BackendName    string
	FetchesMissing int
}

// SearchStage issues every query, unions and deduplicates the returned
// identifiers preserving relevance order, truncates to maxResults, and
// fetches abstracts for the survivors. When the real backend fails for every
// query the stage swaps to the fallback backend (a clearly labeled synthetic
// corpus) rather than aborting; only a total failure with no fallback is
// fatal. Zero results is not an error.
type SearchStage struct {
	backend    LiteratureSearcher
	fallback   LiteratureSearcher
	maxResults int
}

func NewSearchStage(backend, fallback LiteratureSearcher, maxResults int) *SearchStage {
	if maxResults <= 0 {
		maxResults = DefaultMaxSearchResults
	}
	return &SearchStage{backend: backend, fallback: fallback, maxResults: maxResults}
}

func (s *SearchStage) Run(ctx context.Context, queries []SearchQuery) (SearchOutput, error) {
	if len(queries) == 0 {
		return SearchOutput{}, errors.New("no search queries to execute")
	}

	if s.backend != nil {
		out, err := s.runAgainst(ctx, s.backend, queries, false)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return SearchOutput{}, ctx.Err()
		}
		if s.fallback == nil {
			return SearchOutput{}, fmt.Errorf("literature backend unavailable: %w", err)
		}
		log.Printf("slr-review search_fallback backend=%s err=%q", s.backend.Name(), err.Error())
	}
	if s.fallback == nil {
		return SearchOutput{}, errors.New("no literature backend configured")
	}
	out, err := s.runAgainst(ctx, s.fallback, queries, true)
	if err != nil {
		return SearchOutput{}, fmt.Errorf("fallback backend failed: %w", err)
	}
	return out, nil
}

func (s *SearchStage) runAgainst(ctx context.Context, backend LiteratureSearcher, queries []SearchQuery, mock bool) (SearchOutput, error) {
	out := SearchOutput{BackendName: backend.Name(), MockData: mock}

	// Union across queries keeps the first-seen position of each
	// identifier: backends return relevance-ordered lists and queries run
	// in priority order, so first appearance is the study's search rank.
	ordered := []string{}
	seen := map[string]struct{}{}
	var lastErr error
	for _, q := range queries {
		ids, err := backend.Search(ctx, q.Expression)
		if err != nil {
			out.QueriesFailed++
			lastErr = err
			log.Printf("slr-review query_failed backend=%s query=%s err=%q", backend.Name(), q.ID, err.Error())
			continue
		}
		out.QueriesRun++
		out.Identified += len(ids)
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ordered = append(ordered, id)
		}
	}
	if out.QueriesRun == 0 {
		if lastErr == nil {
			lastErr = errors.New("no queries executed")
		}
		return out, lastErr
	}

	out.AfterDedup = len(ordered)
	if len(ordered) > s.maxResults {
		ordered = ordered[:s.maxResults]
		out.AfterDedup = len(ordered)
	}
	if len(ordered) == 0 {
		out.Studies = []Study{}
		return out, nil
	}

	metas, err := backend.FetchAbstracts(ctx, ordered)
	if err != nil {
		return out, fmt.Errorf("fetch abstracts: %w", err)
	}
	out.Studies = make([]Study, 0, len(ordered))
	for i, id := range ordered {
		meta, ok := metas[id]
		if !ok {
			// Identifier with no retrievable metadata still enters
			// screening; an empty abstract screens as UNCERTAIN.
			out.FetchesMissing++
		}
		out.Studies = append(out.Studies, Study{
			ID:         id,
			Title:      meta.Title,
			Abstract:   meta.Abstract,
			Year:       meta.Year,
			Venue:      meta.Venue,
			Rank:       i,
			MockSource: mock,
		})
	}
	return out, nil
}
