package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/plogdev/plog-backend/internal/models"
)

// GetTestHistoryByJobName looks a run up by its cluster job name, or
// ErrNotFound for foreign jobs.
func (r *SQLiteRepository) GetTestHistoryByJobName(ctx context.Context, jobName string) (*models.TestHistory, error) {
	var th models.TestHistory
	err := r.db.GetContext(ctx, &th, `SELECT * FROM test_histories WHERE job_name = ?`, jobName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &th, err
}

// GetTestHistory returns a run by id, or ErrNotFound.
func (r *SQLiteRepository) GetTestHistory(ctx context.Context, id int64) (*models.TestHistory, error) {
	var th models.TestHistory
	err := r.db.GetContext(ctx, &th, `SELECT * FROM test_histories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &th, err
}

// CreateTestHistory inserts a run row. Runs are normally created by the
// external test launcher; controllers and tests seed through this.
func (r *SQLiteRepository) CreateTestHistory(ctx context.Context, th *models.TestHistory) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO test_histories (project_id, title, description, target_tps, tested_at, job_name, script_filename)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		th.ProjectID, th.Title, th.Description, th.TargetTPS, th.TestedAt.UTC(), th.JobName, th.ScriptFilename)
	if err != nil {
		return err
	}
	th.ID, err = res.LastInsertId()
	return err
}

// CreateScenarioHistory inserts one scenario row.
func (r *SQLiteRepository) CreateScenarioHistory(ctx context.Context, sh *models.ScenarioHistory) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO scenario_histories (test_history_id, endpoint_id, name, scenario_tag, executor, think_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sh.TestHistoryID, sh.EndpointID, sh.Name, sh.ScenarioTag, sh.Executor, sh.ThinkTime)
	if err != nil {
		return err
	}
	sh.ID, err = res.LastInsertId()
	return err
}

// CreateStageHistory inserts one executor stage row.
func (r *SQLiteRepository) CreateStageHistory(ctx context.Context, st *models.StageHistory) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO stage_histories (scenario_history_id, duration, target) VALUES (?, ?, ?)`,
		st.ScenarioHistoryID, st.Duration, st.Target)
	if err != nil {
		return err
	}
	st.ID, err = res.LastInsertId()
	return err
}

// ListScenarios returns the scenarios of a run.
func (r *SQLiteRepository) ListScenarios(ctx context.Context, testHistoryID int64) ([]models.ScenarioHistory, error) {
	var out []models.ScenarioHistory
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM scenario_histories WHERE test_history_id = ? ORDER BY id`, testHistoryID)
	return out, err
}

// ListStages returns the stages of a scenario.
func (r *SQLiteRepository) ListStages(ctx context.Context, scenarioID int64) ([]models.StageHistory, error) {
	var out []models.StageHistory
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM stage_histories WHERE scenario_history_id = ? ORDER BY id`, scenarioID)
	return out, err
}

const aggregateUpdateSet = `
	min_tps = ?, max_tps = ?, avg_tps = ?,
	avg_response_time = ?, min_response_time = ?, max_response_time = ?,
	p50_response_time = ?, p95_response_time = ?, p99_response_time = ?,
	min_error_rate = ?, max_error_rate = ?, avg_error_rate = ?,
	min_vus = ?, max_vus = ?, avg_vus = ?,
	total_requests = ?, failed_requests = ?, test_duration = ?`

func aggregateArgs(a *models.AggregateMetrics) []any {
	return []any{
		a.MinTPS, a.MaxTPS, a.AvgTPS,
		a.AvgResponseTime, a.MinResponseTime, a.MaxResponseTime,
		a.P50ResponseTime, a.P95ResponseTime, a.P99ResponseTime,
		a.MinErrorRate, a.MaxErrorRate, a.AvgErrorRate,
		a.MinVUs, a.MaxVUs, a.AvgVUs,
		a.TotalRequests, a.FailedRequests, a.TestDuration,
	}
}

// UpdateTestAggregates writes the overall aggregate metrics of a run.
func (r *SQLiteRepository) UpdateTestAggregates(ctx context.Context, testID int64, a *models.AggregateMetrics) error {
	args := append(aggregateArgs(a), testID)
	_, err := r.db.ExecContext(ctx,
		`UPDATE test_histories SET `+aggregateUpdateSet+` WHERE id = ?`, args...)
	return err
}

// UpdateScenarioAggregates writes one scenario's aggregate metrics.
func (r *SQLiteRepository) UpdateScenarioAggregates(ctx context.Context, scenarioID int64, a *models.AggregateMetrics) error {
	args := append(aggregateArgs(a), scenarioID)
	_, err := r.db.ExecContext(ctx,
		`UPDATE scenario_histories SET `+aggregateUpdateSet+` WHERE id = ?`, args...)
	return err
}

// MarkTestCompleted flips the completion flag. Child rows are written before
// this, so readers never observe a completed run with missing children.
func (r *SQLiteRepository) MarkTestCompleted(ctx context.Context, testID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE test_histories SET is_completed = 1, completed_at = ? WHERE id = ?`, at.UTC(), testID)
	return err
}

// MarkAnalysisCompleted records that the LLM analysis for a run finished.
func (r *SQLiteRepository) MarkAnalysisCompleted(ctx context.Context, testID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE test_histories SET is_analysis_completed = 1, analysis_completed_at = ? WHERE id = ?`, at.UTC(), testID)
	return err
}

// ListIncompleteTests returns runs not yet marked complete, oldest first.
// The job controller's timeout watchdog walks these.
func (r *SQLiteRepository) ListIncompleteTests(ctx context.Context) ([]models.TestHistory, error) {
	var out []models.TestHistory
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM test_histories WHERE is_completed = 0 ORDER BY tested_at`)
	return out, err
}

// GetTestDetail preloads the full run graph with explicit queries: run,
// scenarios, stages, metric series, and resource series. No lazy traversal.
func (r *SQLiteRepository) GetTestDetail(ctx context.Context, testID int64) (*models.TestHistoryDetail, error) {
	th, err := r.GetTestHistory(ctx, testID)
	if err != nil {
		return nil, err
	}
	detail := &models.TestHistoryDetail{TestHistory: *th}

	detail.Overall, err = r.ListMetricsPoints(ctx, testID, nil)
	if err != nil {
		return nil, err
	}

	scenarios, err := r.ListScenarios(ctx, testID)
	if err != nil {
		return nil, err
	}
	for _, sh := range scenarios {
		sd := models.ScenarioDetail{ScenarioHistory: sh}
		if sd.Stages, err = r.ListStages(ctx, sh.ID); err != nil {
			return nil, err
		}
		scenarioID := sh.ID
		if sd.Timeseries, err = r.ListMetricsPoints(ctx, testID, &scenarioID); err != nil {
			return nil, err
		}
		if sd.Resources, err = r.ListResourcePoints(ctx, sh.ID); err != nil {
			return nil, err
		}
		detail.Scenarios = append(detail.Scenarios, sd)
	}
	return detail, nil
}
