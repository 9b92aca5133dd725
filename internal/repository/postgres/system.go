package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/livelab/internal/repository"
)

// SystemRepo implements repository.SystemRepository
type SystemRepo struct {
	db *DB
}

// NewSystemRepo creates a new system repository
func NewSystemRepo(db *DB) *SystemRepo {
	return &SystemRepo{db: db}
}

const systemColumns = `id, name, role, lifecycle, baseline, url, hits_path, docid_field, head_requests, requests, created_at, retired`

// Upsert registers a system by name. Counters of an existing row are kept and a retired row is reactivated.
func (r *SystemRepo) Upsert(ctx context.Context, system *repository.System) error {
	query := `
		INSERT INTO systems (name, role, lifecycle, baseline, url, hits_path, docid_field, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (name) DO UPDATE
		SET role = EXCLUDED.role, lifecycle = EXCLUDED.lifecycle, baseline = EXCLUDED.baseline,
		    url = EXCLUDED.url, hits_path = EXCLUDED.hits_path, docid_field = EXCLUDED.docid_field,
		    retired = FALSE
		RETURNING id, head_requests, requests, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		system.Name, system.Role, system.Lifecycle, system.Baseline,
		system.URL, system.HitsPath, system.DocIDField,
	).Scan(&system.ID, &system.HeadRequests, &system.Requests, &system.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert system: %w", err)
	}
	return nil
}

// GetByID retrieves a system by ID
func (r *SystemRepo) GetByID(ctx context.Context, id int64) (*repository.System, error) {
	return r.scanSystem(ctx, `SELECT `+systemColumns+` FROM systems WHERE id = $1`, id)
}

// GetByName retrieves a system by its unique name
func (r *SystemRepo) GetByName(ctx context.Context, name string) (*repository.System, error) {
	return r.scanSystem(ctx, `SELECT `+systemColumns+` FROM systems WHERE name = $1`, name)
}

func (r *SystemRepo) scanSystem(ctx context.Context, query string, args ...any) (*repository.System, error) {
	var s repository.System
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&s.ID, &s.Name, &s.Role, &s.Lifecycle, &s.Baseline, &s.URL, &s.HitsPath,
		&s.DocIDField, &s.HeadRequests, &s.Requests, &s.CreatedAt, &s.Retired,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get system: %w", err)
	}
	return &s, nil
}

// List retrieves systems for a role, or all systems when role is empty
func (r *SystemRepo) List(ctx context.Context, role repository.Role) ([]*repository.System, error) {
	query := `SELECT ` + systemColumns + ` FROM systems WHERE NOT retired`
	var args []any
	if role != "" {
		query += ` AND role = $1`
		args = append(args, role)
	}
	query += ` ORDER BY id`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	defer rows.Close()

	var systems []*repository.System
	for rows.Next() {
		var s repository.System
		if err := rows.Scan(&s.ID, &s.Name, &s.Role, &s.Lifecycle, &s.Baseline, &s.URL,
			&s.HitsPath, &s.DocIDField, &s.HeadRequests, &s.Requests, &s.CreatedAt, &s.Retired); err != nil {
			return nil, fmt.Errorf("failed to scan system: %w", err)
		}
		systems = append(systems, &s)
	}
	return systems, rows.Err()
}

// RetireMissing retires systems that are absent from keep
func (r *SystemRepo) RetireMissing(ctx context.Context, keep []string) error {
	query := `
		UPDATE systems SET retired = TRUE, baseline = FALSE
		WHERE NOT (name = ANY($1)) AND (NOT retired OR baseline)
	`
	if _, err := r.db.Pool.Exec(ctx, query, keep); err != nil {
		return fmt.Errorf("failed to retire systems: %w", err)
	}
	return nil
}

// IncrementRequests bumps one of the request counters in a single atomic statement
func (r *SystemRepo) IncrementRequests(ctx context.Context, id int64, head bool) error {
	query := `UPDATE systems SET requests = requests + 1 WHERE id = $1`
	if head {
		query = `UPDATE systems SET head_requests = head_requests + 1 WHERE id = $1`
	}
	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment requests: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure SystemRepo implements the interface
var _ repository.SystemRepository = (*SystemRepo)(nil)
