// Package pgstore provides a PostgreSQL implementation of docstore.Store.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/reliefdesk/internal/docstore"
)

var tracer = otel.Tracer("github.com/linnemanlabs/reliefdesk/internal/docstore/pgstore")

//go:embed schema.sql
var schema string

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists documents in PostgreSQL.
type Store struct {
	pool Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op, collection string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "documents"),
		attribute.String("reliefdesk.docstore.collection", collection),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ReadAll returns every document in collection, ordered by key.
func (s *Store) ReadAll(ctx context.Context, collection string) ([]docstore.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.ReadAll", "SELECT", collection)
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT key, data, updated_at FROM documents WHERE collection = $1 ORDER BY key`, collection)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query documents: %w", err))
	}
	defer rows.Close()

	var out []docstore.Record
	for rows.Next() {
		var (
			key     string
			data    []byte
			updated time.Time
		)
		if err := rows.Scan(&key, &data, &updated); err != nil {
			return nil, fail(span, fmt.Errorf("scan document: %w", err))
		}
		out = append(out, docstore.Record{Key: key, Data: data, UpdatedAt: updated.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate documents: %w", err))
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// Upsert inserts or replaces rec.
func (s *Store) Upsert(ctx context.Context, collection string, rec docstore.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Upsert", "UPSERT", collection)
	defer span.End()

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (collection, key, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, key) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		collection, rec.Key, []byte(rec.Data), updated,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert document %s/%s: %w", collection, rec.Key, err))
	}
	return nil
}
