package postgres

import (
	"context"
	"fmt"

	"github.com/knoguchi/livelab/internal/repository"
)

// FeedbackRepo implements repository.FeedbackRepository
type FeedbackRepo struct {
	db *DB
}

// NewFeedbackRepo creates a new feedback repository
func NewFeedbackRepo(db *DB) *FeedbackRepo {
	return &FeedbackRepo{db: db}
}

// Create stores a new feedback
func (r *FeedbackRepo) Create(ctx context.Context, feedback *repository.Feedback) error {
	query := `
		INSERT INTO feedbacks (session_id, start_at, end_at, interleave, clicks)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		feedback.SessionID, feedback.Start, feedback.End, feedback.Interleave, feedback.Clicks,
	).Scan(&feedback.ID)
	if err != nil {
		return fmt.Errorf("failed to create feedback: %w", err)
	}
	return nil
}

// ListBySession retrieves the feedback recorded in a session
func (r *FeedbackRepo) ListBySession(ctx context.Context, sessionID string) ([]*repository.Feedback, error) {
	query := `
		SELECT id, session_id, start_at, end_at, interleave, clicks
		FROM feedbacks
		WHERE session_id = $1
		ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var feedbacks []*repository.Feedback
	for rows.Next() {
		var f repository.Feedback
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Start, &f.End, &f.Interleave, &f.Clicks); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		feedbacks = append(feedbacks, &f)
	}
	return feedbacks, rows.Err()
}

// Ensure FeedbackRepo implements the interface
var _ repository.FeedbackRepository = (*FeedbackRepo)(nil)
