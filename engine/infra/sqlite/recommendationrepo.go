package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/pkg/logger"
)

// RecommendationRepo implements store.RecommendationRepo on top of a SQLite
// *sql.DB.
type RecommendationRepo struct{ conn }

// NewRecommendationRepo creates a new SQLite-backed recommendation repository.
func NewRecommendationRepo(db *sql.DB, policy store.RetryPolicy) store.RecommendationRepo {
	return &RecommendationRepo{conn{db: db, policy: policy}}
}

const recommendationColumns = `id, validation_id, type, description, automated_fix, confidence, low_confidence, issue_type, status, reviewer, notes, created_at, reviewed_at`

const upsertRecommendation = `
INSERT INTO recommendations (` + recommendationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    validation_id = excluded.validation_id,
    type = excluded.type,
    description = excluded.description,
    automated_fix = excluded.automated_fix,
    confidence = excluded.confidence,
    low_confidence = excluded.low_confidence,
    issue_type = excluded.issue_type,
    status = excluded.status,
    reviewer = excluded.reviewer,
    notes = excluded.notes,
    reviewed_at = excluded.reviewed_at`

func (r *RecommendationRepo) Put(ctx context.Context, rec *recommend.Recommendation) error {
	return r.retry(ctx, "put_recommendation", func(ctx context.Context) error {
		args, err := recommendationArgs(rec)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, upsertRecommendation, args...); err != nil {
			return fmt.Errorf("sqlite: put recommendation: %w", err)
		}
		return nil
	})
}

func (r *RecommendationRepo) PutBatch(ctx context.Context, recs []*recommend.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	return r.retry(ctx, "put_recommendation_batch", func(ctx context.Context) (err error) {
		tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("sqlite: begin tx: %w", err)
		}
		defer func() {
			if err != nil {
				if rb := tx.Rollback(); rb != nil {
					logger.FromContext(ctx).Warn("sqlite: rollback failed", "error", rb)
				}
			}
		}()
		for _, rec := range recs {
			args, aerr := recommendationArgs(rec)
			if aerr != nil {
				err = aerr
				return err
			}
			if _, err = tx.ExecContext(ctx, upsertRecommendation, args...); err != nil {
				return fmt.Errorf("sqlite: put recommendation batch: %w", err)
			}
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit tx: %w", err)
		}
		return nil
	})
}

func (r *RecommendationRepo) Get(ctx context.Context, id core.ID) (*recommend.Recommendation, error) {
	return withResult(ctx, r.conn, "get_recommendation", func(ctx context.Context) (*recommend.Recommendation, error) {
		const q = `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = ?`
		rec, err := scanRecommendation(r.db.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.NotFound("recommendation", id.String())
			}
			return nil, fmt.Errorf("sqlite: get recommendation: %w", err)
		}
		return rec, nil
	})
}

func (r *RecommendationRepo) ListByIDs(ctx context.Context, ids []core.ID) ([]*recommend.Recommendation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return withResult(ctx, r.conn, "list_recommendations_by_ids", func(ctx context.Context) ([]*recommend.Recommendation, error) {
		q := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id IN (` + questionList(len(ids)) + `)`
		args := make([]any, 0, len(ids))
		for _, id := range ids {
			args = append(args, id)
		}
		found, err := r.queryRecommendations(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		byID := make(map[core.ID]*recommend.Recommendation, len(found))
		for _, rec := range found {
			byID[rec.ID] = rec
		}
		// Keep the caller's order; missing ids are silently skipped.
		out := make([]*recommend.Recommendation, 0, len(ids))
		for _, id := range ids {
			if rec, ok := byID[id]; ok {
				out = append(out, rec)
			}
		}
		return out, nil
	})
}

func (r *RecommendationRepo) List(ctx context.Context, filter *recommend.Filter) ([]*recommend.Recommendation, error) {
	return withResult(ctx, r.conn, "list_recommendations", func(ctx context.Context) ([]*recommend.Recommendation, error) {
		where, args := recommendationWhere(filter)
		q := `SELECT ` + recommendationColumns + ` FROM recommendations` + where + ` ORDER BY created_at ASC, id ASC`
		if filter != nil {
			q += limitOffset(filter.Limit, filter.Offset)
		}
		return r.queryRecommendations(ctx, q, args...)
	})
}

func (r *RecommendationRepo) SetStatus(ctx context.Context, id core.ID, status recommend.Status, reviewer, notes string) error {
	if !status.IsValid() {
		return core.NewError(fmt.Errorf("unknown recommendation status %q", status), core.CodeInvalidArgument, map[string]any{
			"status": string(status),
		})
	}
	return r.retry(ctx, "set_recommendation_status", func(ctx context.Context) error {
		const q = `UPDATE recommendations SET status = ?, reviewer = ?, notes = ?, reviewed_at = ? WHERE id = ?`
		res, err := r.db.ExecContext(ctx, q, status, reviewer, notes, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("sqlite: set recommendation status: %w", err)
		}
		if n, raErr := res.RowsAffected(); raErr == nil {
			if n == 0 {
				return store.NotFound("recommendation", id.String())
			}
		} else {
			return fmt.Errorf("sqlite: rows affected (set recommendation status): %w", raErr)
		}
		return nil
	})
}

func (r *RecommendationRepo) DeleteByValidation(ctx context.Context, validationID core.ID) (int64, error) {
	return withResult(ctx, r.conn, "delete_recommendations_by_validation", func(ctx context.Context) (int64, error) {
		res, err := r.db.ExecContext(ctx, `DELETE FROM recommendations WHERE validation_id = ?`, validationID)
		if err != nil {
			return 0, fmt.Errorf("sqlite: delete recommendations by validation: %w", err)
		}
		removed, raErr := res.RowsAffected()
		if raErr != nil {
			return 0, fmt.Errorf("sqlite: rows affected (delete recommendations): %w", raErr)
		}
		return removed, nil
	})
}

func (r *RecommendationRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete recommendation"); err != nil {
		return err
	}
	return r.retry(ctx, "delete_recommendation", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM recommendations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("sqlite: delete recommendation: %w", err)
		}
		if n, raErr := res.RowsAffected(); raErr == nil {
			if n == 0 {
				return store.NotFound("recommendation", id.String())
			}
		} else {
			return fmt.Errorf("sqlite: rows affected (delete recommendation): %w", raErr)
		}
		return nil
	})
}

func (r *RecommendationRepo) queryRecommendations(ctx context.Context, q string, args ...any) ([]*recommend.Recommendation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query recommendations: %w", err)
	}
	defer rows.Close()
	var out []*recommend.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan recommendation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter recommendations: %w", err)
	}
	return out, nil
}

func recommendationArgs(rec *recommend.Recommendation) ([]any, error) {
	fix, err := ToJSONText(rec.AutomatedFix)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID,
		rec.ValidationID,
		rec.Type,
		rec.Description,
		fix,
		rec.Confidence,
		rec.LowConfidence,
		rec.IssueType,
		rec.Status,
		rec.Reviewer,
		rec.Notes,
		rec.CreatedAt,
		rec.ReviewedAt,
	}, nil
}

func scanRecommendation(sc rowScanner) (*recommend.Recommendation, error) {
	var (
		rec        recommend.Recommendation
		fix        []byte
		reviewedAt sql.NullTime
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.ValidationID,
		&rec.Type,
		&rec.Description,
		&fix,
		&rec.Confidence,
		&rec.LowConfidence,
		&rec.IssueType,
		&rec.Status,
		&rec.Reviewer,
		&rec.Notes,
		&rec.CreatedAt,
		&reviewedAt,
	); err != nil {
		return nil, err
	}
	if err := FromJSONText(fix, &rec.AutomatedFix); err != nil {
		return nil, err
	}
	rec.ReviewedAt = timePtr(reviewedAt)
	return &rec, nil
}

func recommendationWhere(f *recommend.Filter) (string, []any) {
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if f.ValidationID != "" {
		conds = append(conds, "validation_id = ?")
		args = append(args, f.ValidationID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
