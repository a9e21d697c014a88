package shared

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
)

// IdempotencyRecord stores the outcome produced for a key.
type IdempotencyRecord struct {
	Scope       string
	Key         string
	RequestHash string
	Response    []byte
	CreatedAt   time.Time
}

// IdempotencyRecords is implemented by transaction-scoped repositories so the
// record is written in the same unit of work as the effect it guards.
type IdempotencyRecords interface {
	FindIdempotency(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error)
	SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error
}

// HashPayload fingerprints a request payload.
func HashPayload(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Idempotent runs fn at most once per (scope, key). A stored result with the
// same payload hash is replayed without calling fn; a stored result with a
// different hash yields a conflict. The bool result reports a replay.
func Idempotent[T any](ctx context.Context, recs IdempotencyRecords, scope, key string, payload any, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		out, err := fn(ctx)
		return out, false, err
	}
	hash, err := HashPayload(payload)
	if err != nil {
		return zero, false, err
	}
	rec, found, err := recs.FindIdempotency(ctx, scope, key)
	if err != nil {
		return zero, false, err
	}
	if found {
		if rec.RequestHash != hash {
			return zero, false, Conflict("idempotency", "key %q was used with a different payload", key)
		}
		var out T
		if err := json.Unmarshal(rec.Response, &out); err != nil {
			return zero, false, err
		}
		return out, true, nil
	}
	out, err := fn(ctx)
	if err != nil {
		return zero, false, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return zero, false, err
	}
	if err := recs.SaveIdempotency(ctx, IdempotencyRecord{Scope: scope, Key: key, RequestHash: hash, Response: raw, CreatedAt: time.Now().UTC()}); err != nil {
		return zero, false, err
	}
	return out, false, nil
}

// PgIdempotency implements IdempotencyRecords on any pgx querier.
type PgIdempotency struct {
	Q db.DBTX
}

// FindIdempotency loads a stored record.
func (p PgIdempotency) FindIdempotency(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error) {
	rec := IdempotencyRecord{Scope: scope, Key: key}
	err := p.Q.QueryRow(ctx, `SELECT request_hash, response, created_at FROM idempotency_keys WHERE scope=$1 AND key=$2`, scope, key).
		Scan(&rec.RequestHash, &rec.Response, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// SaveIdempotency inserts the record; a concurrent duplicate surfaces as a conflict.
func (p PgIdempotency) SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	_, err := p.Q.Exec(ctx, `INSERT INTO idempotency_keys (scope, key, request_hash, response, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.Scope, rec.Key, rec.RequestHash, rec.Response, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Conflict("idempotency", "key %q is being processed concurrently", rec.Key)
		}
		return err
	}
	return nil
}

// IdempotencyStore handles retention of stored keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
