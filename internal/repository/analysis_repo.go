package repository

import (
	"context"

	"github.com/plogdev/plog-backend/internal/models"
)

// InsertAnalysis persists one sub-analysis row.
func (r *SQLiteRepository) InsertAnalysis(ctx context.Context, a *models.AnalysisHistory) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO analysis_histories (primary_test_id, category, analysis_type, analysis_result, model_name, analyzed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.PrimaryTestID, a.Category, a.AnalysisType, string(a.AnalysisResult), a.ModelName, a.AnalyzedAt.UTC())
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// ListAnalyses returns stored analyses for a run, newest first. analysisType
// filters when non-empty; limit is clamped to [1,100].
func (r *SQLiteRepository) ListAnalyses(ctx context.Context, testID int64, analysisType string, limit int) ([]models.AnalysisHistory, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	var out []models.AnalysisHistory
	var err error
	if analysisType != "" {
		err = r.db.SelectContext(ctx, &out,
			`SELECT * FROM analysis_histories
			 WHERE primary_test_id = ? AND analysis_type = ?
			 ORDER BY analyzed_at DESC, id DESC LIMIT ?`, testID, analysisType, limit)
	} else {
		err = r.db.SelectContext(ctx, &out,
			`SELECT * FROM analysis_histories
			 WHERE primary_test_id = ?
			 ORDER BY analyzed_at DESC, id DESC LIMIT ?`, testID, limit)
	}
	return out, err
}
