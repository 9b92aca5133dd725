package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/livelab/internal/repository"
)

// ResultRepo implements repository.ResultRepository
type ResultRepo struct {
	db *DB
}

// NewResultRepo creates a new result repository
func NewResultRepo(db *DB) *ResultRepo {
	return &ResultRepo{db: db}
}

const resultColumns = `id, session_id, system_id, role, origin, query, issued_at, latency_ms, hit_count,
	page, rpp, items, native_payload, merge_id, feedback_id`

const insertResult = `
	INSERT INTO results (session_id, system_id, role, origin, query, issued_at, latency_ms, hit_count,
	                     page, rpp, items, native_payload, merge_id, feedback_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING id
`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func createResult(ctx context.Context, q querier, result *repository.Result) error {
	itemsJSON, err := json.Marshal(result.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	var native any
	if len(result.NativePayload) > 0 {
		native = string(result.NativePayload)
	}

	err = q.QueryRow(ctx, insertResult,
		result.SessionID, result.SystemID, result.Role, result.Origin, result.Query,
		result.IssuedAt, result.Latency.Milliseconds(), result.HitCount, result.Page, result.RPP,
		itemsJSON, native, result.MergeID, result.FeedbackID,
	).Scan(&result.ID)
	if err != nil {
		return fmt.Errorf("failed to create result: %w", err)
	}
	return nil
}

// Create stores a new result
func (r *ResultRepo) Create(ctx context.Context, result *repository.Result) error {
	return createResult(ctx, r.db.Pool, result)
}

// CreateMerged stores the merged row and links it and its legs in one transaction
func (r *ResultRepo) CreateMerged(ctx context.Context, merged *repository.Result, legs ...*repository.Result) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	merged.MergeID = nil
	if err := createResult(ctx, tx, merged); err != nil {
		return err
	}

	ids := []int64{merged.ID}
	for _, leg := range legs {
		ids = append(ids, leg.ID)
	}
	if _, err := tx.Exec(ctx, `UPDATE results SET merge_id = $1 WHERE id = ANY($2)`, merged.ID, ids); err != nil {
		return fmt.Errorf("failed to link merged result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	mergeID := merged.ID
	merged.MergeID = &mergeID
	for _, leg := range legs {
		id := mergeID
		leg.MergeID = &id
	}
	return nil
}

// GetByID retrieves a result by ID
func (r *ResultRepo) GetByID(ctx context.Context, id int64) (*repository.Result, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+resultColumns+` FROM results WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return firstResult(rows)
}

// Latest retrieves the most recent result for a session, role, query and paging tuple
func (r *ResultRepo) Latest(ctx context.Context, sessionID string, role repository.Role, query string, page, rpp int) (*repository.Result, error) {
	sql := `
		SELECT ` + resultColumns + `
		FROM results
		WHERE session_id = $1 AND role = $2 AND query = $3 AND page = $4 AND rpp = $5
		ORDER BY issued_at DESC, id DESC
		LIMIT 1
	`
	rows, err := r.db.Pool.Query(ctx, sql, sessionID, string(role), query, page, rpp)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest result: %w", err)
	}
	return firstResult(rows)
}

// AttachFeedback links feedback to a result and to the legs merged under it.
// Cached views of a merged row share its pointer but are tagged MERGED, so they are skipped.
func (r *ResultRepo) AttachFeedback(ctx context.Context, resultID, feedbackID int64) error {
	query := `
		UPDATE results SET feedback_id = $2
		WHERE id = $1 OR (merge_id = $1 AND origin <> 'MERGED')
	`
	result, err := r.db.Pool.Exec(ctx, query, resultID, feedbackID)
	if err != nil {
		return fmt.Errorf("failed to attach feedback: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByFeedback retrieves the results a feedback refers to
func (r *ResultRepo) ListByFeedback(ctx context.Context, feedbackID int64) ([]*repository.Result, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+resultColumns+` FROM results WHERE feedback_id = $1 ORDER BY id`, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return collectResults(rows)
}

// ListBySession retrieves every result of a session
func (r *ResultRepo) ListBySession(ctx context.Context, sessionID string) ([]*repository.Result, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+resultColumns+` FROM results WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return collectResults(rows)
}

func firstResult(rows pgx.Rows) (*repository.Result, error) {
	results, err := collectResults(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, repository.ErrNotFound
	}
	return results[0], nil
}

func collectResults(rows pgx.Rows) ([]*repository.Result, error) {
	defer rows.Close()

	var results []*repository.Result
	for rows.Next() {
		var res repository.Result
		var itemsJSON, native []byte
		var latencyMS int64
		if err := rows.Scan(&res.ID, &res.SessionID, &res.SystemID, &res.Role, &res.Origin, &res.Query,
			&res.IssuedAt, &latencyMS, &res.HitCount, &res.Page, &res.RPP, &itemsJSON, &native,
			&res.MergeID, &res.FeedbackID); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal(itemsJSON, &res.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal items: %w", err)
		}
		res.Latency = time.Duration(latencyMS) * time.Millisecond
		res.NativePayload = native
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	return results, nil
}

// Ensure ResultRepo implements the interface
var _ repository.ResultRepository = (*ResultRepo)(nil)
