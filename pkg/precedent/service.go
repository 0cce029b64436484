package precedent

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleanor-project/eje/pkg/canonicalize"
	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
)

// Service implements Store on top of an Embedder, a Backend and the hybrid
// Ranker, with an LRU/TTL cache in front of searches. Every write purges
// the cache so a freshly stored decision is immediately findable.
type Service struct {
	embedder Embedder
	backend  Backend
	ranker   *Ranker
	cache    *queryCache
	logger   *slog.Logger

	defaultLimit  int
	minSimilarity float64
}

// Open builds the configured store: embedder by precedent.embedding
// provider, backend by precedent.backend and vector driver.
func Open(ctx context.Context, cfg config.PrecedentConfig) (*Service, error) {
	embedder := openEmbedder(cfg)
	backend, err := openBackend(ctx, cfg, embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	return NewService(embedder, backend, cfg), nil
}

func openEmbedder(cfg config.PrecedentConfig) Embedder {
	if cfg.Embedding.Provider == "http" {
		return NewHTTPEmbedder(cfg.Embedding.Endpoint, cfg.Embedding.APIKey, cfg.EmbeddingModel, cfg.Embedding.Dims)
	}
	return NewHashEmbedder(cfg.Embedding.Dims)
}

func openBackend(ctx context.Context, cfg config.PrecedentConfig, dims int) (Backend, error) {
	switch cfg.Backend {
	case "file":
		return OpenFileBackend(cfg.Store.Path)
	case "vector":
		switch cfg.Vector.Driver {
		case "qdrant":
			return OpenQdrantBackend(ctx, QdrantConfig{
				URL:        cfg.Vector.URL,
				APIKey:     cfg.Vector.APIKey,
				Collection: cfg.Vector.Collection,
				Dims:       uint64(dims),
			})
		default:
			return OpenPGBackend(ctx, cfg.Vector.DSN, cfg.Vector.Collection, dims)
		}
	default:
		return nil, contracts.Errorf(contracts.ErrConfiguration, "precedent.backend %q is not valid", cfg.Backend)
	}
}

// NewService wires pre-built collaborators. Tests use it with a
// MemoryBackend and HashEmbedder.
func NewService(embedder Embedder, backend Backend, cfg config.PrecedentConfig) *Service {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 5
	}
	return &Service{
		embedder:      embedder,
		backend:       backend,
		ranker:        NewRanker(DefaultRankWeights(), cfg.RecencyDecayDays),
		cache:         newQueryCache(cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second),
		logger:        slog.Default().With("component", "precedent"),
		defaultLimit:  limit,
		minSimilarity: cfg.MinSimilarity,
	}
}

// Store projects the decision into a precedent record, embeds its input
// and persists it. Storing two decisions with the same case hash returns
// the first precedent id both times.
func (s *Service) Store(ctx context.Context, d *contracts.Decision) (string, error) {
	rec, err := NewRecord(d)
	if err != nil {
		return "", err
	}
	rec.Embedding, err = s.embedder.Embed(ctx, embedText(rec.Input.Text, rec.Input.Context))
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPrecedentStore, "embed precedent input: %w", err).WithDecision(d.DecisionID)
	}

	id, err := s.backend.Put(ctx, rec)
	if err != nil {
		return "", err
	}
	s.cache.purge()
	s.logger.Debug("precedent stored", "precedent_id", id, "case_hash", rec.CaseHash)
	return id, nil
}

// SearchSimilar embeds the query input and returns ranked precedent hits.
// Unset options inherit the configured defaults.
func (s *Service) SearchSimilar(ctx context.Context, query *contracts.InputSnapshot, opts SearchOptions) ([]Ranked, error) {
	if query == nil {
		return nil, contracts.NewError(contracts.ErrMissingInput, "precedent query has no input")
	}
	if opts.Limit <= 0 {
		opts.Limit = s.defaultLimit
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = s.minSimilarity
	}
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}

	key, err := cacheKey(query, opts)
	if err != nil {
		return nil, err
	}
	if ranked, ok := s.cache.get(key); ok {
		return ranked, nil
	}

	embedding, err := s.embedder.Embed(ctx, embedText(query.Text, query.Context))
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "embed precedent query: %w", err)
	}
	matches, err := s.backend.Query(ctx, embedding, opts)
	if err != nil {
		return nil, err
	}

	ranked := s.ranker.Rank(matches, opts)
	s.cache.put(key, ranked)
	return ranked, nil
}

// GetByID returns the stored record, or nil when absent.
func (s *Service) GetByID(ctx context.Context, id string) (*Record, error) {
	return s.backend.GetByID(ctx, id)
}

// Delete removes the record and purges cached results that may contain it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.purge()
	return nil
}

// Close releases backend resources when the backend holds any.
func (s *Service) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// embedText joins the input text with its canonical context so that the
// embedding sees the same bytes the case hash does.
func embedText(text string, context map[string]any) string {
	if len(context) == 0 {
		return text
	}
	canonical, err := canonicalize.JCSString(context)
	if err != nil {
		return text
	}
	return text + "\n" + canonical
}

// cacheKey fingerprints one search: query content plus every option that
// changes its result.
func cacheKey(query *contracts.InputSnapshot, opts SearchOptions) (string, error) {
	contextHash := query.ContextHash
	if contextHash == "" {
		var err error
		contextHash, err = canonicalize.ContextHash(query.Text, query.Context)
		if err != nil {
			return "", contracts.Errorf(contracts.ErrPrecedentStore, "cache key: %w", err)
		}
	}
	return canonicalize.CanonicalHash(map[string]any{
		"context_hash":     contextHash,
		"limit":            opts.Limit,
		"min_similarity":   opts.MinSimilarity,
		"metric":           string(opts.Metric),
		"filters":          opts.Filters,
		"expected_verdict": string(opts.ExpectedVerdict),
	})
}

var _ Store = (*Service)(nil)
