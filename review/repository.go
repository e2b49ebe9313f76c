package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

// ErrAlreadyReviewed is returned when the rater has already reviewed the job
// in this direction. Uniqueness is enforced by the reviews table itself.
var ErrAlreadyReviewed = errors.New("review: already submitted")

const uniquePerDirection = "reviews_one_per_direction"

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, r Review) (Review, error)
	HasReviewed(ctx context.Context, tx pgx.Tx, jobID, raterID string, direction Direction) (bool, error)
	ListForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Review, error)
	Summary(ctx context.Context, tx pgx.Tx, userID string) (Summary, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const reviewColumns = `id::text, job_id::text, rater_id::text, ratee_id::text, direction::text, overall_rating, aspect_ratings, comment, created_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rev Review) (Review, error) {
	aspects := rev.AspectRatings
	if aspects == nil {
		aspects = map[string]int{}
	}
	body, err := json.Marshal(aspects)
	if err != nil {
		return Review{}, fmt.Errorf("review: marshal aspects: %w", err)
	}

	const query = `
		INSERT INTO reviews (id, job_id, rater_id, ratee_id, direction, overall_rating, aspect_ratings, comment, created_at)
		VALUES ($1, $2, $3, $4, $5::review_direction, $6, $7::jsonb, $8, $9)
		RETURNING ` + reviewColumns

	created, err := scanReview(tx.QueryRow(ctx, query,
		rev.ID, rev.JobID, rev.RaterID, rev.RateeID, rev.Direction, rev.OverallRating, string(body), rev.Comment, rev.CreatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err, uniquePerDirection) {
			return Review{}, ErrAlreadyReviewed
		}
		return Review{}, fmt.Errorf("review: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) HasReviewed(ctx context.Context, tx pgx.Tx, jobID, raterID string, direction Direction) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reviews WHERE job_id = $1 AND rater_id = $2 AND direction = $3::review_direction
		)`, jobID, raterID, direction).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("review: has reviewed: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) ListForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Review, error) {
	if !db.IsUUID(jobID) {
		return []Review{}, nil
	}
	rows, err := tx.Query(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	out := make([]Review, 0, 2)
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Summary(ctx context.Context, tx pgx.Tx, userID string) (Summary, error) {
	if !db.IsUUID(userID) {
		return Summary{UserID: userID}, nil
	}
	s := Summary{UserID: userID}
	err := tx.QueryRow(ctx, `
		SELECT count(*), COALESCE(avg(overall_rating), 0)::float8
		FROM reviews WHERE ratee_id = $1`, userID).Scan(&s.Count, &s.Average)
	if err != nil {
		return Summary{}, fmt.Errorf("review: summary: %w", err)
	}
	return s, nil
}

func scanReview(row pgx.Row) (Review, error) {
	var (
		rev     Review
		aspects []byte
	)
	err := row.Scan(
		&rev.ID,
		&rev.JobID,
		&rev.RaterID,
		&rev.RateeID,
		&rev.Direction,
		&rev.OverallRating,
		&aspects,
		&rev.Comment,
		&rev.CreatedAt,
	)
	if err != nil {
		return Review{}, err
	}
	if len(aspects) > 0 {
		if err := json.Unmarshal(aspects, &rev.AspectRatings); err != nil {
			return Review{}, fmt.Errorf("review: decode aspects: %w", err)
		}
	}
	return rev, nil
}
