package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/livelab/internal/repository"
)

// SessionRepo implements repository.SessionRepository
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new session repository
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, created_at, ranking_system_id, recommendation_system_id, site_user, exited, synced`

// Create creates a new session, leaving an existing row with the same id untouched
func (r *SessionRepo) Create(ctx context.Context, session *repository.Session) error {
	query := `
		INSERT INTO sessions (id, created_at, ranking_system_id, recommendation_system_id, site_user, exited, synced)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.db.Pool.Exec(ctx, query,
		session.ID, session.CreatedAt, session.RankingSystemID, session.RecommendationSystemID,
		session.SiteUser, session.Exited, session.Synced)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", session.ID, repository.ErrAlreadyExists)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepo) GetByID(ctx context.Context, id string) (*repository.Session, error) {
	var s repository.Session
	err := r.db.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.CreatedAt, &s.RankingSystemID, &s.RecommendationSystemID,
		&s.SiteUser, &s.Exited, &s.Synced,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.LastActiveAt = s.CreatedAt
	return &s, nil
}

// AssignSystem binds systemID for role unless the session already has one
func (r *SessionRepo) AssignSystem(ctx context.Context, id string, role repository.Role, systemID int64) (*repository.Session, error) {
	column := "ranking_system_id"
	if role == repository.RoleRecommendation {
		column = "recommendation_system_id"
	}

	query := `UPDATE sessions SET ` + column + ` = $2 WHERE id = $1 AND ` + column + ` IS NULL`
	if _, err := r.db.Pool.Exec(ctx, query, id, systemID); err != nil {
		return nil, fmt.Errorf("failed to assign system: %w", err)
	}
	return r.GetByID(ctx, id)
}

// SetUser records the site user of a session
func (r *SessionRepo) SetUser(ctx context.Context, id, user string) error {
	return r.exec(ctx, `UPDATE sessions SET site_user = $2 WHERE id = $1`, id, user)
}

// MarkExited flags a session as exited
func (r *SessionRepo) MarkExited(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE sessions SET exited = TRUE WHERE id = $1`, id)
}

// MarkSynced flags a session as exported to the aggregation server
func (r *SessionRepo) MarkSynced(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE sessions SET synced = TRUE WHERE id = $1`, id)
}

func (r *SessionRepo) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListActive retrieves running sessions along with their last activity time
func (r *SessionRepo) ListActive(ctx context.Context) ([]*repository.Session, error) {
	query := `
		SELECT s.id, s.created_at, s.ranking_system_id, s.recommendation_system_id, s.site_user, s.exited, s.synced,
		       GREATEST(s.created_at, COALESCE(MAX(r.issued_at), s.created_at))
		FROM sessions s
		LEFT JOIN results r ON r.session_id = s.id
		WHERE s.exited = FALSE AND s.synced = FALSE
		GROUP BY s.id
		ORDER BY s.created_at
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*repository.Session
	for rows.Next() {
		var s repository.Session
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.RankingSystemID, &s.RecommendationSystemID,
			&s.SiteUser, &s.Exited, &s.Synced, &s.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// ListExitedUnsynced retrieves sessions waiting to be exported
func (r *SessionRepo) ListExitedUnsynced(ctx context.Context) ([]*repository.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE exited = TRUE AND synced = FALSE ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list exited sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*repository.Session
	for rows.Next() {
		var s repository.Session
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.RankingSystemID, &s.RecommendationSystemID,
			&s.SiteUser, &s.Exited, &s.Synced); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.LastActiveAt = s.CreatedAt
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// Purge deletes a session and everything that references it in one transaction.
// Legs go before their merge targets so the self-referencing merge_id never dangles.
func (r *SessionRepo) Purge(ctx context.Context, id string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	steps := []string{
		`DELETE FROM results WHERE session_id = $1 AND (merge_id IS NULL OR merge_id <> id)`,
		`DELETE FROM results WHERE session_id = $1`,
		`DELETE FROM feedbacks WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step, id); err != nil {
			return fmt.Errorf("failed to purge session %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// Ensure SessionRepo implements the interface
var _ repository.SessionRepository = (*SessionRepo)(nil)
