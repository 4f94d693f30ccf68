package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/metrics"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
	"go.uber.org/zap"
)

const (
	defaultAttempts    = 10
	defaultInsertChunk = 500
	uniqueViolation    = "23505"
)

var duplicateUUIDDetail = regexp.MustCompile(`\(uuid\)=\(([^)]+)\)`)

// Generator produces candidate uuids.
type Generator func() (uuid.UUID, error)

// Registry maps (entity id, type) pairs to stable uuids backed by a uniqueness-constrained table.
type Registry struct {
	pool        sqlutil.Pool
	table       string
	attempts    int
	insertChunk int
	generate    Generator
	logger      *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithGenerator replaces the uuid generator.
func WithGenerator(g Generator) Option {
	return func(r *Registry) {
		if g != nil {
			r.generate = g
		}
	}
}

// WithAttempts sets the number of generation attempts before giving up.
func WithAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithInsertChunk bounds the number of rows per insert statement.
func WithInsertChunk(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.insertChunk = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(pool sqlutil.Pool, table string, opts ...Option) *Registry {
	r := &Registry{
		pool:        pool,
		table:       table,
		attempts:    defaultAttempts,
		insertChunk: defaultInsertChunk,
		generate:    uuid.NewRandom,
		logger:      zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Assign returns the uuid of a single entity, creating it when missing.
func (r *Registry) Assign(ctx context.Context, entityID int64, entityType string) (uuid.UUID, error) {
	assigned, err := r.AssignBulk(ctx, []int64{entityID}, entityType)
	if err != nil {
		return uuid.Nil, err
	}
	id, ok := assigned[entityID]
	if !ok {
		return uuid.Nil, feedsync.NewInternalError(
			fmt.Sprintf("no uuid assigned for entity %d of type %s", entityID, entityType), nil)
	}
	return id, nil
}

// AssignBulk returns uuids for all distinct ids, creating the missing ones.
// A uuid collision regenerates candidates for the whole remaining set.
func (r *Registry) AssignBulk(ctx context.Context, entityIDs []int64, entityType string) (map[int64]uuid.UUID, error) {
	distinct := sqlutil.Dedupe(entityIDs)
	result := make(map[int64]uuid.UUID, len(distinct))
	if len(distinct) == 0 {
		return result, nil
	}

	if err := r.lookupInto(ctx, distinct, entityType, result); err != nil {
		return result, err
	}
	remaining := missing(distinct, result)

	var duplicates []string
	attempt := 0
	for len(remaining) > 0 && attempt < r.attempts {
		attempt++

		candidates, dup, err := r.candidates(len(remaining))
		if err != nil {
			return result, feedsync.NewInternalError("generate uuid", err)
		}
		if dup != "" {
			duplicates = append(duplicates, dup)
			metrics.IdentityCollisions.WithLabelValues(entityType).Inc()
			r.logger.Sugar().Warnw("generated duplicate uuid candidates, retrying",
				"type", entityType, "attempt", attempt, "duplicate", dup)
			continue
		}

		dup, err = r.insertInto(ctx, remaining, candidates, entityType, result)
		if err != nil {
			return result, err
		}
		if dup != "" {
			duplicates = append(duplicates, dup)
			metrics.IdentityCollisions.WithLabelValues(entityType).Inc()
			r.logger.Sugar().Warnw("uuid uniqueness violation, retrying",
				"type", entityType, "attempt", attempt, "duplicate", dup)
			remaining = missing(distinct, result)
			continue
		}

		// rows skipped by ON CONFLICT were assigned by a concurrent writer
		if skipped := missing(remaining, result); len(skipped) > 0 {
			if err := r.lookupInto(ctx, skipped, entityType, result); err != nil {
				return result, err
			}
		}
		remaining = missing(distinct, result)
	}

	if len(remaining) > 0 {
		return result, &feedsync.IdentitySaveError{
			Type:       entityType,
			EntityIDs:  remaining,
			Duplicates: duplicates,
			Attempts:   attempt,
		}
	}
	return result, nil
}

// IsAssigned reports whether the entity already has a uuid.
func (r *Registry) IsAssigned(ctx context.Context, entityID int64, entityType string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE entity_id = $1 AND type = $2)`,
		sqlutil.SanitizeIdentifier(r.table))
	var exists bool
	if err := r.pool.QueryRow(ctx, query, entityID, entityType).Scan(&exists); err != nil {
		return false, feedsync.NewStorageError("check identity", err)
	}
	return exists, nil
}

func (r *Registry) lookupQuery() string {
	return fmt.Sprintf(`SELECT entity_id, uuid::text FROM %s WHERE type = $1 AND entity_id = ANY($2)`,
		sqlutil.SanitizeIdentifier(r.table))
}

func (r *Registry) insertQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (entity_id, type, uuid)
SELECT u.entity_id, $1, u.uuid FROM unnest($2::bigint[], $3::uuid[]) AS u(entity_id, uuid)
ON CONFLICT (entity_id, type) DO NOTHING
RETURNING entity_id, uuid::text`, sqlutil.SanitizeIdentifier(r.table))
}

func (r *Registry) lookupInto(ctx context.Context, ids []int64, entityType string, into map[int64]uuid.UUID) error {
	rows, err := r.pool.Query(ctx, r.lookupQuery(), entityType, ids)
	if err != nil {
		return feedsync.NewStorageError("lookup identities", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return feedsync.NewStorageError("scan identity", err)
		}
		u, ok := sqlutil.ToUUID(raw)
		if !ok {
			return feedsync.NewInternalError(fmt.Sprintf("invalid uuid %q for entity %d", raw, id), nil)
		}
		into[id] = u
	}
	if err := rows.Err(); err != nil {
		return feedsync.NewStorageError("iterate identities", err)
	}
	return nil
}

// insertInto inserts candidates chunk by chunk. Chunks before a collision stay committed.
// It returns the duplicate uuid when a chunk hits the uuid constraint.
func (r *Registry) insertInto(ctx context.Context, ids []int64, candidates []string, entityType string, into map[int64]uuid.UUID) (string, error) {
	query := r.insertQuery()
	for start := 0; start < len(ids); start += r.insertChunk {
		end := min(start+r.insertChunk, len(ids))
		rows, err := r.pool.Query(ctx, query, entityType, ids[start:end], candidates[start:end])
		if err != nil {
			if dup, ok := uuidViolation(err); ok {
				return dup, nil
			}
			return "", feedsync.NewStorageError("insert identities", err)
		}
		inserted := make(map[int64]uuid.UUID, end-start)
		for rows.Next() {
			var (
				id  int64
				raw string
			)
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return "", feedsync.NewStorageError("scan inserted identity", err)
			}
			u, ok := sqlutil.ToUUID(raw)
			if !ok {
				rows.Close()
				return "", feedsync.NewInternalError(fmt.Sprintf("invalid uuid %q for entity %d", raw, id), nil)
			}
			inserted[id] = u
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			if dup, ok := uuidViolation(err); ok {
				return dup, nil
			}
			return "", feedsync.NewStorageError("insert identities", err)
		}
		for id, u := range inserted {
			into[id] = u
		}
	}
	return "", nil
}

func (r *Registry) candidates(n int) ([]string, string, error) {
	out := make([]string, n)
	seen := make(map[uuid.UUID]struct{}, n)
	for i := range out {
		u, err := r.generate()
		if err != nil {
			return nil, "", err
		}
		if _, ok := seen[u]; ok {
			return nil, u.String(), nil
		}
		seen[u] = struct{}{}
		out[i] = u.String()
	}
	return out, "", nil
}

func uuidViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return "", false
	}
	if m := duplicateUUIDDetail.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1], true
	}
	return pgErr.ConstraintName, true
}

func missing(ids []int64, assigned map[int64]uuid.UUID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := assigned[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
