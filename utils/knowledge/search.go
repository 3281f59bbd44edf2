// Package knowledge retrieves repository content chunks by similarity so
// the executor can ground prompts in knowledge-base context. Three modes
// are supported: vector (embedding cosine similarity), keyword (term
// overlap), and a weighted hybrid of both.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/psd-ai/studio/utils/config"
	"github.com/viterin/vek/vek32"
)

// Chunk is one searchable piece of repository content
type Chunk struct {
	ID           uint64
	RepositoryID string
	Content      string
	Embedding    []float32
	Score        float64
}

// ChunkID derives a stable identity for a chunk from its repository and
// content, used for deduplication across search modes
func ChunkID(repositoryID, content string) uint64 {
	return xxhash.Sum64String(repositoryID + "\x00" + content)
}

// SearchOptions tunes a similarity search
type SearchOptions struct {
	// Limit is the maximum number of chunks returned (default 5)
	Limit int
	// SimilarityThreshold excludes chunks scoring below it (default 0.7)
	SimilarityThreshold float64
	// VectorWeight is the hybrid weighting of the vector score; the
	// keyword score gets the complement (default 0.7)
	VectorWeight float64
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.Limit <= 0 {
		o.Limit = 5
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = 0.7
	}
	if o.VectorWeight <= 0 || o.VectorWeight > 1 {
		o.VectorWeight = 0.7
	}
	return o
}

// Embedder produces embedding vectors for query text. The engine does not
// own the embedding model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Source lists the candidate chunks for a set of repositories
type Source interface {
	ListChunks(ctx context.Context, repositoryIDs []string) ([]Chunk, error)
}

// Searcher is the retrieval interface consumed by the executor
type Searcher interface {
	VectorSearch(ctx context.Context, repositoryIDs []string, query string, opts SearchOptions) ([]Chunk, error)
	KeywordSearch(ctx context.Context, repositoryIDs []string, query string, opts SearchOptions) ([]Chunk, error)
	HybridSearch(ctx context.Context, repositoryIDs []string, query string, opts SearchOptions) ([]Chunk, error)
}

// Service implements Searcher over an injected chunk source and embedder
type Service struct {
	source   Source
	embedder Embedder
}

// NewService creates a search service. The embedder may be nil, in which
// case vector and hybrid searches degrade to keyword search.
func NewService(source Source, embedder Embedder) *Service {
	return &Service{source: source, embedder: embedder}
}

// VectorSearch ranks chunks by embedding cosine similarity to the query
func (s *Service) VectorSearch(ctx context.Context, repositoryIDs []string, query string, opts SearchOptions) ([]Chunk, error) {
	opts = opts.withDefaults()
	if s.embedder == nil {
		return s.KeywordSearch(ctx, repositoryIDs, query, opts)
	}
	scored, err := s.vectorScores(ctx, repositoryIDs, query)
	if err != nil {
		return nil, err
	}
	return top(scored, opts), nil
}

func (s *Service) vectorScores(ctx context.Context, repositoryIDs []string, query string) ([]Chunk, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	chunks, err := s.source.ListChunks(ctx, repositoryIDs)
	if err != nil {
		return nil, err
	}

	scored := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) != len(queryVec) || len(queryVec) == 0 {
			continue
		}
		c.Score = float64(vek32.CosineSimilarity(queryVec, c.Embedding))
		scored = append(scored, c)
	}
	return scored, nil
}

// KeywordSearch ranks chunks by query term overlap
func (s *Service) KeywordSearch(ctx context.Context, repositoryIDs []string, query string, opts SearchOptions) ([]Chunk, error) {
	opts = opts.withDefaults()
	scored, err := s.keywordScores(ctx, repositoryIDs, query)
	if err != nil {
		return nil, err
	}
	return top(scored, opts), nil
}

func (s *Service) keywordScores(ctx context.Context, repositoryIDs []string, query string) ([]Chunk, error) {
	chunks, err := s.source.ListChunks(ctx, repositoryIDs)
	if err != nil {
		return nil, err
	}

	terms := tokenize(query)
	scored := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		c.Score = keywordScore(terms, c.Content)
		scored = append(scored, c)
	}
	return scored, nil
}

// HybridSearch merges vector and keyword scores per chunk:
// score = vectorScore*vectorWeight + keywordScore*(1-vectorWeight),
// deduplicated by chunk identity, sorted descending, truncated to Limit.
func (s *Service) HybridSearch(ctx context.Context, repositoryIDs []string, query string, opts SearchOptions) ([]Chunk, error) {
	opts = opts.withDefaults()
	if s.embedder == nil {
		return s.KeywordSearch(ctx, repositoryIDs, query, opts)
	}

	// Score both modes without threshold or limit so low single-mode
	// scores can still combine into a qualifying hybrid score.
	vecChunks, err := s.vectorScores(ctx, repositoryIDs, query)
	if err != nil {
		return nil, err
	}
	kwChunks, err := s.keywordScores(ctx, repositoryIDs, query)
	if err != nil {
		return nil, err
	}

	merged := make(map[uint64]Chunk, len(vecChunks)+len(kwChunks))
	for _, c := range vecChunks {
		c.Score = c.Score * opts.VectorWeight
		merged[c.ID] = c
	}
	for _, c := range kwChunks {
		kw := c.Score * (1 - opts.VectorWeight)
		if existing, ok := merged[c.ID]; ok {
			existing.Score += kw
			merged[c.ID] = existing
		} else {
			c.Score = kw
			merged[c.ID] = c
		}
	}

	combined := make([]Chunk, 0, len(merged))
	for _, c := range merged {
		combined = append(combined, c)
	}
	results := top(combined, opts)
	config.DebugLog("[Knowledge] hybrid search returned %d/%d chunks", len(results), len(combined))
	return results, nil
}

// top filters by threshold, sorts descending by score, and truncates
func top(chunks []Chunk, opts SearchOptions) []Chunk {
	filtered := chunks[:0]
	for _, c := range chunks {
		if c.Score >= opts.SimilarityThreshold {
			filtered = append(filtered, c)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// keywordScore is the fraction of query terms present in the content
func keywordScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
