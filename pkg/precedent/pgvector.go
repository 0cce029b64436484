package precedent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// pgTableName guards the configured table against identifier injection.
var pgTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PGBackend stores records in Postgres with a pgvector embedding column.
// Distance operators are chosen per query: <=> cosine, <-> L2, <#>
// negative inner product.
type PGBackend struct {
	db    *sql.DB
	table string
	dims  int
}

// OpenPGBackend connects to dsn, provisions the extension and table when
// absent, and returns the backend. dims fixes the embedding column width;
// records with a different width are rejected at Put.
func OpenPGBackend(ctx context.Context, dsn, table string, dims int) (*PGBackend, error) {
	if table == "" {
		table = "eje_precedents"
	}
	if !pgTableName.MatchString(table) {
		return nil, contracts.Errorf(contracts.ErrConfiguration, "precedent.vector.collection %q is not a valid table name", table)
	}
	if dims <= 0 {
		return nil, contracts.Errorf(contracts.ErrConfiguration, "precedent.vector.dims %d must be positive", dims)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "ping postgres: %w", err)
	}

	b := &PGBackend{db: db, table: table, dims: dims}
	if err := b.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewPGBackend wraps an existing handle, for tests with sqlmock. The
// schema is assumed to exist.
func NewPGBackend(db *sql.DB, table string, dims int) *PGBackend {
	return &PGBackend{db: db, table: table, dims: dims}
}

func (b *PGBackend) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			precedent_id TEXT PRIMARY KEY,
			case_hash    TEXT NOT NULL UNIQUE,
			request_id   TEXT NOT NULL DEFAULT '',
			verdict      TEXT NOT NULL,
			domain       TEXT NOT NULL DEFAULT '',
			source       TEXT NOT NULL DEFAULT '',
			ts           TIMESTAMPTZ NOT NULL,
			record       JSONB NOT NULL,
			embedding    vector(%d)
		)`, b.table, b.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, b.table, b.table),
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return contracts.Errorf(contracts.ErrPrecedentStore, "provision precedent table: %w", err)
		}
	}
	return nil
}

// Put inserts the record, or returns the existing precedent id when the
// case hash is already stored. ON CONFLICT DO NOTHING plus a follow-up
// select keeps the idempotency race-safe across writers.
func (b *PGBackend) Put(ctx context.Context, rec *Record) (string, error) {
	if len(rec.Embedding) != b.dims {
		return "", contracts.Errorf(contracts.ErrPrecedentStore,
			"embedding width %d does not fit vector(%d)", len(rec.Embedding), b.dims)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPrecedentStore, "encode precedent %s: %w", rec.PrecedentID, err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s
		(precedent_id, case_hash, request_id, verdict, domain, source, ts, record, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (case_hash) DO NOTHING`, b.table)
	_, err = b.db.ExecContext(ctx, insert,
		rec.PrecedentID,
		rec.CaseHash,
		rec.RequestID,
		string(rec.FinalDecision.OverallVerdict),
		metaString(rec.Input.Metadata, "domain"),
		metaString(rec.Input.Metadata, "source"),
		rec.Timestamp,
		payload,
		pgvector.NewVector(rec.Embedding),
	)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPrecedentStore, "store precedent %s: %w", rec.PrecedentID, err)
	}

	var id string
	sel := fmt.Sprintf(`SELECT precedent_id FROM %s WHERE case_hash = $1`, b.table)
	if err := b.db.QueryRowContext(ctx, sel, rec.CaseHash).Scan(&id); err != nil {
		return "", contracts.Errorf(contracts.ErrPrecedentStore, "resolve precedent by case hash: %w", err)
	}
	return id, nil
}

// similarityExpr maps a metric onto its pgvector operator, shaped so SQL
// similarity matches the in-process helpers.
func similarityExpr(metric Metric) string {
	switch metric {
	case MetricEuclidean:
		return `1 / (1 + (embedding <-> $1))`
	case MetricDot:
		return `-(embedding <#> $1)`
	default:
		return `1 - (embedding <=> $1)`
	}
}

// Query runs the similarity search in SQL, over-fetching past the limit so
// the ranker can reorder before capping.
func (b *PGBackend) Query(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	where := []string{`embedding IS NOT NULL`}
	args := []any{pgvector.NewVector(embedding)}
	for key, want := range opts.Filters {
		switch key {
		case "verdict", "request_id", "domain", "source":
			args = append(args, want)
			where = append(where, fmt.Sprintf(`%s = $%d`, key, len(args)))
		default:
			// Unknown filter keys never match anything.
			return nil, nil
		}
	}

	args = append(args, opts.MinSimilarity)
	minArg := len(args)
	fetch := 0
	if opts.Limit > 0 {
		fetch = opts.Limit * 3
	}

	query := fmt.Sprintf(`SELECT record, similarity FROM (
			SELECT record, precedent_id, %s AS similarity FROM %s WHERE %s
		) q
		WHERE q.similarity >= $%d
		ORDER BY q.similarity DESC, q.precedent_id ASC`,
		similarityExpr(opts.Metric), b.table, strings.Join(where, " AND "), minArg)
	if fetch > 0 {
		query += fmt.Sprintf(` LIMIT %d`, fetch)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "similarity query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []Match
	for rows.Next() {
		var payload []byte
		var sim float64
		if err := rows.Scan(&payload, &sim); err != nil {
			return nil, contracts.Errorf(contracts.ErrPrecedentStore, "scan precedent row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, contracts.Errorf(contracts.ErrPrecedentStore, "decode precedent row: %w", err)
		}
		matches = append(matches, Match{Record: &rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "similarity query: %w", err)
	}
	return matches, nil
}

// GetByID returns the stored record, or nil when absent.
func (b *PGBackend) GetByID(ctx context.Context, id string) (*Record, error) {
	var payload []byte
	query := fmt.Sprintf(`SELECT record FROM %s WHERE precedent_id = $1`, b.table)
	err := b.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "load precedent %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "decode precedent %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the record. Deleting an absent id is a no-op.
func (b *PGBackend) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE precedent_id = $1`, b.table)
	if _, err := b.db.ExecContext(ctx, query, id); err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "delete precedent %s: %w", id, err)
	}
	return nil
}

// Close releases the connection pool.
func (b *PGBackend) Close() error { return b.db.Close() }

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

var _ Backend = (*PGBackend)(nil)
