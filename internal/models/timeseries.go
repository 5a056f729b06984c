package models

import "time"

// TestMetricsPoint is one 10 s performance bucket. ScenarioHistoryID == nil
// marks the overall (job-wide) series.
type TestMetricsPoint struct {
	ID                int64     `db:"id" json:"id"`
	TestHistoryID     int64     `db:"test_history_id" json:"test_history_id"`
	ScenarioHistoryID *int64    `db:"scenario_history_id" json:"scenario_history_id,omitempty"`
	Timestamp         time.Time `db:"timestamp" json:"timestamp"`
	TPS               float64   `db:"tps" json:"tps"`
	ErrorRate         float64   `db:"error_rate" json:"error_rate"` // percent
	VUs               float64   `db:"vus" json:"vus"`
	AvgResponseTime   float64   `db:"avg_response_time" json:"avg_response_time"` // ms
	P95ResponseTime   float64   `db:"p95_response_time" json:"p95_response_time"`
	P99ResponseTime   float64   `db:"p99_response_time" json:"p99_response_time"`
}

// ResourceMetricType discriminates CPU from memory resource samples.
type ResourceMetricType string

const (
	ResourceMetricCPU    ResourceMetricType = "cpu"
	ResourceMetricMemory ResourceMetricType = "memory"
)

// TestResourcePoint is one 10 s container resource bucket, tagged with the
// pod's request/limit so usage percentages can be derived on read.
// CPU values are millicores, memory values are MB.
type TestResourcePoint struct {
	ID                int64              `db:"id" json:"id"`
	ScenarioHistoryID int64              `db:"scenario_history_id" json:"scenario_history_id"`
	ServerInfraID     int64              `db:"server_infra_id" json:"server_infra_id"`
	Timestamp         time.Time          `db:"timestamp" json:"timestamp"`
	MetricType        ResourceMetricType `db:"metric_type" json:"metric_type"`
	Unit              string             `db:"unit" json:"unit"`
	Value             float64            `db:"value" json:"value"`
	CPURequest        *float64           `db:"cpu_req" json:"cpu_req,omitempty"`       // millicores
	CPULimit          *float64           `db:"cpu_limit" json:"cpu_limit,omitempty"`   // millicores
	MemRequestMB      *float64           `db:"mem_req_mb" json:"mem_req_mb,omitempty"`
	MemLimitMB        *float64           `db:"mem_limit_mb" json:"mem_limit_mb,omitempty"`
}
