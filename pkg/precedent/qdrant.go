package precedent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// QdrantConfig holds connection settings for the Qdrant vector backend.
type QdrantConfig struct {
	URL        string // "https://host:6333", "http://host:6333", or "host:6334"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantBackend stores records as Qdrant points. The point id is the
// precedent id (a UUID), the full record rides along as a JSON payload
// field, and the filterable fields get keyword indexes.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS from a Qdrant URL. The REST
// port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, contracts.Errorf(contracts.ErrConfiguration, "invalid qdrant URL %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, contracts.Errorf(contracts.ErrConfiguration, "invalid port in qdrant URL %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// OpenQdrantBackend connects over gRPC and provisions the collection when
// absent.
func OpenQdrantBackend(ctx context.Context, cfg QdrantConfig) (*QdrantBackend, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		cfg.Collection = "eje_precedents"
	}
	if cfg.Dims == 0 {
		return nil, contracts.NewError(contracts.ErrConfiguration, "precedent.vector.dims must be positive")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "connect to qdrant at %s:%d: %w", host, port, err)
	}

	b := &QdrantBackend{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     slog.Default().With("component", "precedent"),
	}
	if err := b.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// ensureCollection creates the collection and its payload indexes.
// CreateFieldIndex is idempotent on Qdrant, so indexes are always ensured,
// which backfills any added after the collection first existed.
func (b *QdrantBackend) ensureCollection(ctx context.Context) error {
	exists, err := b.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "check collection exists: %w", err)
	}

	if !exists {
		if err := b.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: b.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     b.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return contracts.Errorf(contracts.ErrPrecedentStore, "create collection %q: %w", b.collection, err)
		}
		b.logger.Info("qdrant collection created", "collection", b.collection, "dims", b.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"case_hash", "verdict", "request_id", "domain", "source"} {
		if _, err := b.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: b.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return contracts.Errorf(contracts.ErrPrecedentStore, "ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Put upserts the record. Qdrant has no unique payload constraint, so the
// case-hash check is advisory: a scroll finds an existing point first, and
// only a miss upserts.
func (b *QdrantBackend) Put(ctx context.Context, rec *Record) (string, error) {
	if existing, err := b.findByCaseHash(ctx, rec.CaseHash); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPrecedentStore, "encode precedent %s: %w", rec.PrecedentID, err)
	}

	_, err = b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(rec.PrecedentID),
			Vectors: qdrant.NewVectorsDense(rec.Embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				"case_hash":  rec.CaseHash,
				"verdict":    string(rec.FinalDecision.OverallVerdict),
				"request_id": rec.RequestID,
				"domain":     metaString(rec.Input.Metadata, "domain"),
				"source":     metaString(rec.Input.Metadata, "source"),
				"ts_unix":    float64(rec.Timestamp.Unix()),
				"record":     string(payload),
			}),
		}},
	})
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPrecedentStore, "upsert precedent %s: %w", rec.PrecedentID, err)
	}
	return rec.PrecedentID, nil
}

func (b *QdrantBackend) findByCaseHash(ctx context.Context, caseHash string) (string, error) {
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: b.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("case_hash", caseHash)},
		},
		Limit:       qdrant.PtrOf(uint32(1)),
		WithPayload: qdrant.NewWithPayload(false),
	})
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPrecedentStore, "case hash lookup: %w", err)
	}
	if len(points) == 0 {
		return "", nil
	}
	return points[0].Id.GetUuid(), nil
}

// Query runs a dense similarity search. The collection is created with
// cosine distance; the score Qdrant returns for it is already a
// similarity, so MinSimilarity maps onto the server-side score threshold.
func (b *QdrantBackend) Query(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	var must []*qdrant.Condition
	for key, want := range opts.Filters {
		switch key {
		case "verdict", "request_id", "domain", "source":
			must = append(must, qdrant.NewMatch(key, want))
		default:
			// Unknown filter keys never match anything.
			return nil, nil
		}
	}

	req := &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQueryDense(embedding),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(must) > 0 {
		req.Filter = &qdrant.Filter{Must: must}
	}
	if opts.Limit > 0 {
		// Over-fetch past the limit so the ranker can reorder before capping.
		req.Limit = qdrant.PtrOf(uint64(opts.Limit) * 3)
	}
	if opts.MinSimilarity > 0 {
		req.ScoreThreshold = qdrant.PtrOf(float32(opts.MinSimilarity))
	}

	scored, err := b.client.Query(ctx, req)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "qdrant query: %w", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, sp := range scored {
		rec, err := recordFromPayload(sp.Payload)
		if err != nil {
			b.logger.Warn("skipping malformed precedent point", "point_id", sp.Id.GetUuid(), "error", err)
			continue
		}
		matches = append(matches, Match{Record: rec, Similarity: float64(sp.Score)})
	}
	return matches, nil
}

// GetByID fetches one point, or nil when absent.
func (b *QdrantBackend) GetByID(ctx context.Context, id string) (*Record, error) {
	points, err := b.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: b.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "load precedent %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	rec, err := recordFromPayload(points[0].Payload)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "decode precedent %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes the point. Deleting an absent id is a no-op.
func (b *QdrantBackend) Delete(ctx context.Context, id string) error {
	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qdrant.NewID(id)}},
			},
		},
	})
	if err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "delete precedent %s: %w", id, err)
	}
	return nil
}

// Healthy reports whether Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after expiry collapse into one gRPC call via
// singleflight.
func (b *QdrantBackend) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, b.healthAt.Load())) < 5*time.Second {
		return b.loadHealthErr()
	}

	// Background context: singleflight reuses the first caller's context,
	// and a cancelled first caller must not poison the shared result.
	result, _, _ := b.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := b.client.HealthCheck(checkCtx)
		if err != nil {
			b.storeHealthErr(fmt.Errorf("qdrant unhealthy: %w", err))
		} else {
			b.storeHealthErr(nil)
		}
		b.healthAt.Store(time.Now().UnixNano())
		return b.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr wraps the error in a pointer because atomic.Value cannot
// hold a bare nil.
func (b *QdrantBackend) storeHealthErr(err error) {
	b.healthErr.Store(&err)
}

func (b *QdrantBackend) loadHealthErr() error {
	v := b.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (b *QdrantBackend) Close() error { return b.client.Close() }

func recordFromPayload(payload map[string]*qdrant.Value) (*Record, error) {
	raw := payload["record"].GetStringValue()
	if raw == "" {
		return nil, fmt.Errorf("point has no record payload")
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

var _ Backend = (*QdrantBackend)(nil)
