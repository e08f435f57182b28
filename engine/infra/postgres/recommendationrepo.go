package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/recommend"
)

// RecommendationRepo implements store.RecommendationRepo on top of a pgx
// pool.
type RecommendationRepo struct{ conn }

// NewRecommendationRepo creates a new PostgreSQL-backed recommendation
// repository.
func NewRecommendationRepo(db DB, policy store.RetryPolicy) store.RecommendationRepo {
	return &RecommendationRepo{conn{db: db, policy: policy}}
}

const recommendationColumns = `id, validation_id, type, description, automated_fix, confidence, low_confidence, issue_type, status, reviewer, notes, created_at, reviewed_at`

const upsertRecommendation = `
INSERT INTO recommendations (` + recommendationColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    validation_id = EXCLUDED.validation_id,
    type = EXCLUDED.type,
    description = EXCLUDED.description,
    automated_fix = EXCLUDED.automated_fix,
    confidence = EXCLUDED.confidence,
    low_confidence = EXCLUDED.low_confidence,
    issue_type = EXCLUDED.issue_type,
    status = EXCLUDED.status,
    reviewer = EXCLUDED.reviewer,
    notes = EXCLUDED.notes,
    reviewed_at = EXCLUDED.reviewed_at`

// recommendationRow mirrors the recommendations table.
type recommendationRow struct {
	ID            core.ID          `db:"id"`
	ValidationID  core.ID          `db:"validation_id"`
	Type          string           `db:"type"`
	Description   string           `db:"description"`
	AutomatedFix  []byte           `db:"automated_fix"`
	Confidence    float64          `db:"confidence"`
	LowConfidence bool             `db:"low_confidence"`
	IssueType     string           `db:"issue_type"`
	Status        recommend.Status `db:"status"`
	Reviewer      string           `db:"reviewer"`
	Notes         string           `db:"notes"`
	CreatedAt     time.Time        `db:"created_at"`
	ReviewedAt    *time.Time       `db:"reviewed_at"`
}

func (r *recommendationRow) toDomain() (*recommend.Recommendation, error) {
	rec := &recommend.Recommendation{
		ID:            r.ID,
		ValidationID:  r.ValidationID,
		Type:          r.Type,
		Description:   r.Description,
		Confidence:    r.Confidence,
		LowConfidence: r.LowConfidence,
		IssueType:     r.IssueType,
		Status:        r.Status,
		Reviewer:      r.Reviewer,
		Notes:         r.Notes,
		CreatedAt:     r.CreatedAt,
		ReviewedAt:    r.ReviewedAt,
	}
	if err := FromJSONB(r.AutomatedFix, &rec.AutomatedFix); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RecommendationRepo) Put(ctx context.Context, rec *recommend.Recommendation) error {
	return r.retry(ctx, "put_recommendation", func(ctx context.Context) error {
		args, err := recommendationArgs(rec)
		if err != nil {
			return err
		}
		if _, err := r.db.Exec(ctx, upsertRecommendation, args...); err != nil {
			return fmt.Errorf("postgres: put recommendation: %w", err)
		}
		return nil
	})
}

func (r *RecommendationRepo) PutBatch(ctx context.Context, recs []*recommend.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	return r.retry(ctx, "put_recommendation_batch", func(ctx context.Context) error {
		return r.withTransaction(ctx, func(tx pgx.Tx) error {
			for _, rec := range recs {
				args, err := recommendationArgs(rec)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(ctx, upsertRecommendation, args...); err != nil {
					return fmt.Errorf("postgres: put recommendation batch: %w", err)
				}
			}
			return nil
		})
	})
}

func (r *RecommendationRepo) Get(ctx context.Context, id core.ID) (*recommend.Recommendation, error) {
	return withResult(ctx, r.conn, "get_recommendation", func(ctx context.Context) (*recommend.Recommendation, error) {
		const q = `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = $1`
		var row recommendationRow
		if err := pgxscan.Get(ctx, r.db, &row, q, id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, store.NotFound("recommendation", id.String())
			}
			return nil, fmt.Errorf("postgres: get recommendation: %w", err)
		}
		return row.toDomain()
	})
}

func (r *RecommendationRepo) ListByIDs(ctx context.Context, ids []core.ID) ([]*recommend.Recommendation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return withResult(ctx, r.conn, "list_recommendations_by_ids", func(ctx context.Context) ([]*recommend.Recommendation, error) {
		const q = `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = ANY($1)`
		wanted := make([]string, 0, len(ids))
		for _, id := range ids {
			wanted = append(wanted, id.String())
		}
		found, err := r.selectRecommendations(ctx, q, wanted)
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
		sb := squirrel.Select(recommendationColumns).
			From("recommendations").
			PlaceholderFormat(squirrel.Dollar).
			OrderBy("created_at ASC", "id ASC")
		for _, cond := range recommendationConds(filter) {
			sb = sb.Where(cond)
		}
		if filter != nil {
			sb = paginate(sb, filter.Limit, filter.Offset)
		}
		q, args, err := sb.ToSql()
		if err != nil {
			return nil, fmt.Errorf("postgres: build list recommendations query: %w", err)
		}
		return r.selectRecommendations(ctx, q, args...)
	})
}

func (r *RecommendationRepo) SetStatus(ctx context.Context, id core.ID, status recommend.Status, reviewer, notes string) error {
	if !status.IsValid() {
		return core.NewError(fmt.Errorf("unknown recommendation status %q", status), core.CodeInvalidArgument, map[string]any{
			"status": string(status),
		})
	}
	return r.retry(ctx, "set_recommendation_status", func(ctx context.Context) error {
		const q = `UPDATE recommendations SET status = $1, reviewer = $2, notes = $3, reviewed_at = $4 WHERE id = $5`
		tag, err := r.db.Exec(ctx, q, status, reviewer, notes, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("postgres: set recommendation status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.NotFound("recommendation", id.String())
		}
		return nil
	})
}

func (r *RecommendationRepo) DeleteByValidation(ctx context.Context, validationID core.ID) (int64, error) {
	return withResult(ctx, r.conn, "delete_recommendations_by_validation", func(ctx context.Context) (int64, error) {
		tag, err := r.db.Exec(ctx, `DELETE FROM recommendations WHERE validation_id = $1`, validationID)
		if err != nil {
			return 0, fmt.Errorf("postgres: delete recommendations by validation: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

func (r *RecommendationRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete recommendation"); err != nil {
		return err
	}
	return r.retry(ctx, "delete_recommendation", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM recommendations WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("postgres: delete recommendation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.NotFound("recommendation", id.String())
		}
		return nil
	})
}

func (r *RecommendationRepo) selectRecommendations(ctx context.Context, q string, args ...any) ([]*recommend.Recommendation, error) {
	var rows []*recommendationRow
	if err := pgxscan.Select(ctx, r.db, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("postgres: query recommendations: %w", err)
	}
	var out []*recommend.Recommendation
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func recommendationArgs(rec *recommend.Recommendation) ([]any, error) {
	fix, err := ToJSONB(rec.AutomatedFix)
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

func recommendationConds(f *recommend.Filter) []squirrel.Sqlizer {
	if f == nil {
		return nil
	}
	var conds []squirrel.Sqlizer
	if f.ValidationID != "" {
		conds = append(conds, squirrel.Eq{"validation_id": f.ValidationID})
	}
	if f.Status != "" {
		conds = append(conds, squirrel.Eq{"status": f.Status})
	}
	if f.Type != "" {
		conds = append(conds, squirrel.Eq{"type": f.Type})
	}
	if f.MinConfidence > 0 {
		conds = append(conds, squirrel.GtOrEq{"confidence": f.MinConfidence})
	}
	return conds
}
