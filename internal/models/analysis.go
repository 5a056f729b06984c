package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RawJSON is a JSON document stored verbatim in a TEXT column. The SQLite
// driver hands TEXT back as string, which database/sql will not scan into
// json.RawMessage, so the type carries its own Scanner/Valuer pair.
type RawJSON []byte

func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *RawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case string:
		*j = RawJSON(v)
	case []byte:
		*j = append(RawJSON(nil), v...)
	default:
		return fmt.Errorf("cannot scan %T into RawJSON", src)
	}
	return nil
}

func (j RawJSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *RawJSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// Analysis categories persisted per run; one AnalysisHistory row each.
const (
	AnalysisCategoryComprehensive = "comprehensive"
	AnalysisCategoryResponseTime  = "response_time"
	AnalysisCategoryTPS           = "tps"
	AnalysisCategoryErrorRate     = "error_rate"
	AnalysisCategoryResourceUsage = "resource_usage"
)

// FallbackModelName marks analyses emitted when the LLM call or response
// parsing failed; run completion is never blocked on analysis.
const FallbackModelName = "fallback"

// SubAnalysis is one section of the LLM's structured response envelope.
type SubAnalysis struct {
	Summary          string   `json:"summary"`
	DetailedAnalysis string   `json:"detailed_analysis"`
	Insights         []string `json:"insights"`
	PerformanceScore float64  `json:"performance_score"`
}

// AnalysisEnvelope is the JSON shape the LLM must return.
type AnalysisEnvelope struct {
	Comprehensive SubAnalysis `json:"comprehensive"`
	ResponseTime  SubAnalysis `json:"response_time"`
	TPS           SubAnalysis `json:"tps"`
	ErrorRate     SubAnalysis `json:"error_rate"`
	ResourceUsage SubAnalysis `json:"resource_usage"`
}

// AnalysisHistory is one persisted sub-analysis. AnalysisResult keeps the raw
// structured JSON for forward compatibility; known shapes decode into
// SubAnalysis via a single codec.
type AnalysisHistory struct {
	ID             int64     `db:"id" json:"id"`
	PrimaryTestID  int64     `db:"primary_test_id" json:"primary_test_id"`
	Category       string    `db:"category" json:"category"`
	AnalysisType   string    `db:"analysis_type" json:"analysis_type"`
	AnalysisResult RawJSON   `db:"analysis_result" json:"analysis_result"`
	ModelName      string    `db:"model_name" json:"model_name"`
	AnalyzedAt     time.Time `db:"analyzed_at" json:"analyzed_at"`
}

// Result decodes the stored analysis into its known shape.
func (a *AnalysisHistory) Result() (SubAnalysis, error) {
	var s SubAnalysis
	err := json.Unmarshal(a.AnalysisResult, &s)
	return s, err
}
