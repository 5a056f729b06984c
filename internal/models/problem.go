package models

import "time"

// ProblemType enumerates the sustained patterns the bottleneck detector finds.
type ProblemType string

const (
	ProblemResponseTimeSpike ProblemType = "RESPONSE_TIME_SPIKE"
	ProblemVUsTPSMismatch    ProblemType = "VUS_TPS_MISMATCH"
	ProblemCPUOverload       ProblemType = "CPU_OVERLOAD"
	ProblemMemoryExhaustion  ProblemType = "MEMORY_EXHAUSTION"
	ProblemErrorRateSurge    ProblemType = "ERROR_RATE_SURGE"
	ProblemOutOfMemoryKill   ProblemType = "OUT_OF_MEMORY_KILL"
)

// ProblemSeverity orders problems for rendering and merge.
type ProblemSeverity string

const (
	SeverityNormal   ProblemSeverity = "normal"
	SeverityWarning  ProblemSeverity = "warning"
	SeverityCritical ProblemSeverity = "critical"
)

// Rank maps severities onto a comparable scale (higher is worse).
func (s ProblemSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// PerformanceProblem is one detected bottleneck: a sustained pattern over a
// time window, packaged as structured evidence for the downstream LLM.
type PerformanceProblem struct {
	Type              ProblemType     `json:"problem_type"`
	Severity          ProblemSeverity `json:"severity"`
	Confidence        float64         `json:"confidence"` // [0,1]
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           time.Time       `json:"ended_at"`
	DurationSeconds   float64         `json:"duration_seconds"`
	RootCause         string          `json:"root_cause_description"`
	Evidence          []string        `json:"detected_evidence"`
	PerformanceImpact string          `json:"performance_impact"`
	AIPromptContext   string          `json:"ai_prompt_context"` // Markdown for the LLM
	MetricDetails     map[string]any  `json:"metric_details"`
}
