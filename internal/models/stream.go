package models

// StreamOverall is the job-wide aggregate of the last 10 s, emitted every tick.
type StreamOverall struct {
	TPS          float64 `json:"tps"`
	VUs          float64 `json:"vus"`
	ResponseTime float64 `json:"response_time"` // ms
	ErrorRate    float64 `json:"error_rate"`    // percent
}

// StreamScenario is one scenario's aggregate of the last 10 s.
type StreamScenario struct {
	Name         string  `json:"name"`
	ScenarioTag  string  `json:"scenario_tag"`
	TPS          float64 `json:"tps"`
	VUs          float64 `json:"vus"`
	ResponseTime float64 `json:"response_time"`
	ErrorRate    float64 `json:"error_rate"`
}

// StreamResourceSpecs echoes the pod's limits so the UI can annotate gauges.
type StreamResourceSpecs struct {
	CPULimitMillicores float64 `json:"cpu_limit_millicores"`
	MemoryLimitMB      float64 `json:"memory_limit_mb"`
}

// StreamPredictionInfo exposes the smart-buffer state behind predicted values.
type StreamPredictionInfo struct {
	CPUStreak        int     `json:"cpu_streak"`
	MemoryStreak     int     `json:"memory_streak"`
	CPUConfidence    float64 `json:"cpu_confidence"`
	MemoryConfidence float64 `json:"memory_confidence"`
}

// StreamResource is the per-pod resource snapshot of one tick. Percentages
// may be predicted when the metrics store has no fresh sample.
type StreamResource struct {
	PodName            string               `json:"pod_name"`
	ServiceType        InfraServiceType     `json:"service_type"`
	CPUUsagePercent    float64              `json:"cpu_usage_percent"`
	MemoryUsagePercent float64              `json:"memory_usage_percent"`
	CPUIsPredicted     bool                 `json:"cpu_is_predicted"`
	MemoryIsPredicted  bool                 `json:"memory_is_predicted"`
	Specs              StreamResourceSpecs  `json:"specs"`
	PredictionInfo     StreamPredictionInfo `json:"prediction_info"`
}

// StreamSnapshot is one SSE frame, composed every 5 s while a test runs.
type StreamSnapshot struct {
	Timestamp string           `json:"timestamp"` // ISO-8601 in the display zone
	Overall   StreamOverall    `json:"overall"`
	Scenarios []StreamScenario `json:"scenarios"`
	Resources []StreamResource `json:"resources"`
	Error     string           `json:"error,omitempty"`
}
