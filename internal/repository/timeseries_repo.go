package repository

import (
	"context"

	"github.com/plogdev/plog-backend/internal/models"
)

// InsertMetricsPoints batch-inserts performance buckets for a run.
func (r *SQLiteRepository) InsertMetricsPoints(ctx context.Context, points []models.TestMetricsPoint) error {
	if len(points) == 0 {
		return nil
	}
	stmt, err := r.db.PreparexContext(ctx,
		`INSERT INTO test_metrics_timeseries
		 (test_history_id, scenario_history_id, timestamp, tps, error_rate, vus, avg_response_time, p95_response_time, p99_response_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			p.TestHistoryID, p.ScenarioHistoryID, p.Timestamp.UTC(),
			p.TPS, p.ErrorRate, p.VUs, p.AvgResponseTime, p.P95ResponseTime, p.P99ResponseTime); err != nil {
			return err
		}
	}
	return nil
}

// InsertResourcePoints batch-inserts container resource buckets.
func (r *SQLiteRepository) InsertResourcePoints(ctx context.Context, points []models.TestResourcePoint) error {
	if len(points) == 0 {
		return nil
	}
	stmt, err := r.db.PreparexContext(ctx,
		`INSERT INTO test_resource_timeseries
		 (scenario_history_id, server_infra_id, timestamp, metric_type, unit, value, cpu_req, cpu_limit, mem_req_mb, mem_limit_mb)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			p.ScenarioHistoryID, p.ServerInfraID, p.Timestamp.UTC(), p.MetricType, p.Unit,
			p.Value, p.CPURequest, p.CPULimit, p.MemRequestMB, p.MemLimitMB); err != nil {
			return err
		}
	}
	return nil
}

// ListMetricsPoints returns performance buckets, the overall series when
// scenarioID is nil, otherwise the scenario's series.
func (r *SQLiteRepository) ListMetricsPoints(ctx context.Context, testID int64, scenarioID *int64) ([]models.TestMetricsPoint, error) {
	var out []models.TestMetricsPoint
	var err error
	if scenarioID == nil {
		err = r.db.SelectContext(ctx, &out,
			`SELECT * FROM test_metrics_timeseries
			 WHERE test_history_id = ? AND scenario_history_id IS NULL ORDER BY timestamp`, testID)
	} else {
		err = r.db.SelectContext(ctx, &out,
			`SELECT * FROM test_metrics_timeseries
			 WHERE test_history_id = ? AND scenario_history_id = ? ORDER BY timestamp`, testID, *scenarioID)
	}
	return out, err
}

// ListResourcePoints returns a scenario's container resource buckets.
func (r *SQLiteRepository) ListResourcePoints(ctx context.Context, scenarioID int64) ([]models.TestResourcePoint, error) {
	var out []models.TestResourcePoint
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM test_resource_timeseries
		 WHERE scenario_history_id = ? ORDER BY server_infra_id, metric_type, timestamp`, scenarioID)
	return out, err
}

// CountOverallPoints counts stored overall buckets for a run.
func (r *SQLiteRepository) CountOverallPoints(ctx context.Context, testID int64) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM test_metrics_timeseries
		 WHERE test_history_id = ? AND scenario_history_id IS NULL`, testID)
	return n, err
}
