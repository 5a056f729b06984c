package models

import "time"

// AggregateMetrics are the per-run (or per-scenario) scalars derived from a
// complete run. All fields are nil until the job controller fills them in.
type AggregateMetrics struct {
	MinTPS          *float64 `db:"min_tps" json:"min_tps,omitempty"`
	MaxTPS          *float64 `db:"max_tps" json:"max_tps,omitempty"`
	AvgTPS          *float64 `db:"avg_tps" json:"avg_tps,omitempty"`
	AvgResponseTime *float64 `db:"avg_response_time" json:"avg_response_time,omitempty"`
	MinResponseTime *float64 `db:"min_response_time" json:"min_response_time,omitempty"`
	MaxResponseTime *float64 `db:"max_response_time" json:"max_response_time,omitempty"`
	P50ResponseTime *float64 `db:"p50_response_time" json:"p50_response_time,omitempty"`
	P95ResponseTime *float64 `db:"p95_response_time" json:"p95_response_time,omitempty"`
	P99ResponseTime *float64 `db:"p99_response_time" json:"p99_response_time,omitempty"`
	MinErrorRate    *float64 `db:"min_error_rate" json:"min_error_rate,omitempty"`
	MaxErrorRate    *float64 `db:"max_error_rate" json:"max_error_rate,omitempty"`
	AvgErrorRate    *float64 `db:"avg_error_rate" json:"avg_error_rate,omitempty"`
	MinVUs          *float64 `db:"min_vus" json:"min_vus,omitempty"`
	MaxVUs          *float64 `db:"max_vus" json:"max_vus,omitempty"`
	AvgVUs          *float64 `db:"avg_vus" json:"avg_vus,omitempty"`
	TotalRequests   *int64   `db:"total_requests" json:"total_requests,omitempty"`
	FailedRequests  *int64   `db:"failed_requests" json:"failed_requests,omitempty"`
	TestDuration    *float64 `db:"test_duration" json:"test_duration,omitempty"` // seconds
}

// OverallErrorRate derives failed/total on read; the three statistical
// error-rate fields are what we store.
func (a *AggregateMetrics) OverallErrorRate() *float64 {
	if a.TotalRequests == nil || a.FailedRequests == nil || *a.TotalRequests == 0 {
		return nil
	}
	rate := float64(*a.FailedRequests) / float64(*a.TotalRequests) * 100
	return &rate
}

// TestHistory is one load-test run. JobName uniquely identifies the run both
// in the cluster and in the metrics store.
type TestHistory struct {
	ID                  int64      `db:"id" json:"id"`
	ProjectID           int64      `db:"project_id" json:"project_id"`
	Title               string     `db:"title" json:"title"`
	Description         string     `db:"description" json:"description"`
	TargetTPS           *float64   `db:"target_tps" json:"target_tps,omitempty"`
	TestedAt            time.Time  `db:"tested_at" json:"tested_at"`
	JobName             string     `db:"job_name" json:"job_name"`
	ScriptFilename      string     `db:"script_filename" json:"script_filename"`
	IsCompleted         bool       `db:"is_completed" json:"is_completed"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	IsAnalysisCompleted bool       `db:"is_analysis_completed" json:"is_analysis_completed"`
	AnalysisCompletedAt *time.Time `db:"analysis_completed_at" json:"analysis_completed_at,omitempty"`
	AggregateMetrics
}

// ScenarioHistory is the per-endpoint execution within a run.
// ScenarioTag = job_name + endpoint_id and matches the tag the load generator
// attaches to every emitted point.
type ScenarioHistory struct {
	ID            int64  `db:"id" json:"id"`
	TestHistoryID int64  `db:"test_history_id" json:"test_history_id"`
	EndpointID    *int64 `db:"endpoint_id" json:"endpoint_id,omitempty"`
	Name          string `db:"name" json:"name"`
	ScenarioTag   string `db:"scenario_tag" json:"scenario_tag"`
	Executor      string `db:"executor" json:"executor"`
	ThinkTime     string `db:"think_time" json:"think_time"`
	AggregateMetrics
}

// StageHistory is one ramp stage of a scenario's executor config.
type StageHistory struct {
	ID                int64  `db:"id" json:"id"`
	ScenarioHistoryID int64  `db:"scenario_history_id" json:"scenario_history_id"`
	Duration          string `db:"duration" json:"duration"`
	Target            int64  `db:"target" json:"target"`
}

// TestHistoryDetail is the fully preloaded graph of one run: the run, its
// scenarios, their stages, and the stored time series. Repositories build it
// with explicit queries so handlers never traverse unloaded relationships.
type TestHistoryDetail struct {
	TestHistory
	Scenarios []ScenarioDetail    `json:"scenarios"`
	Overall   []TestMetricsPoint  `json:"overall_timeseries"`
}

// ScenarioDetail is a scenario with its stages and time series preloaded.
type ScenarioDetail struct {
	ScenarioHistory
	Stages     []StageHistory      `json:"stages"`
	Timeseries []TestMetricsPoint  `json:"timeseries"`
	Resources  []TestResourcePoint `json:"resources"`
}
