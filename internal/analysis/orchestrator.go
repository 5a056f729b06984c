package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/plogdev/plog-backend/internal/bottleneck"
	"github.com/plogdev/plog-backend/internal/models"
	"github.com/plogdev/plog-backend/internal/pkg/metrics"
	"github.com/plogdev/plog-backend/internal/repository"
)

const (
	trimHeadFrac  = 0.10
	trimTailFrac  = 0.05
	outlierSigmas = 2.5

	// Category column groups every row this service writes; the per-section
	// discriminator lives in analysis_type.
	categoryLoadTest = "load_test"
)

const systemPrompt = `You are a performance engineer analysing a Kubernetes load test.
Respond with a single JSON object, no surrounding prose, with the fields
"comprehensive", "response_time", "tps", "error_rate", "resource_usage".
Each field is an object {"summary", "detailed_analysis", "insights": [], "performance_score": 0-100}.`

// ChatClient is the slice of LLMClient the orchestrator needs.
type ChatClient interface {
	Chat(ctx context.Context, system, user string) (string, error)
	ModelName() string
}

// Orchestrator runs the post-completion analysis pipeline for one test run.
// It satisfies the job controller's Analyzer interface.
type Orchestrator struct {
	repo     *repository.SQLiteRepository
	llm      ChatClient
	detector *bottleneck.Detector
	log      *slog.Logger
}

func NewOrchestrator(repo *repository.SQLiteRepository, llm ChatClient, detector *bottleneck.Detector, log *slog.Logger) *Orchestrator {
	return &Orchestrator{repo: repo, llm: llm, detector: detector, log: log}
}

// Analyze loads the run, gathers evidence, calls the model, and persists the
// five sub-analyses. LLM and parse failures degrade to fallback rows; only
// database failures surface to the caller.
func (o *Orchestrator) Analyze(ctx context.Context, testID int64) error {
	detail, err := o.repo.GetTestDetail(ctx, testID)
	if err != nil {
		return fmt.Errorf("load test detail: %w", err)
	}

	pods, err := o.podResources(ctx, detail)
	if err != nil {
		return err
	}
	problems := o.detector.Detect(detail.Overall, pods)
	evidence := o.detector.GenerateAIAnalysisContext(problems)

	prompt := o.buildPrompt(detail, evidence)

	envelope, modelName, ok := o.callModel(ctx, testID, prompt)
	if !ok {
		envelope, modelName = fallbackEnvelope(detail, problems), models.FallbackModelName
	}

	if err := o.persist(ctx, testID, envelope, modelName); err != nil {
		return err
	}
	return o.repo.MarkAnalysisCompleted(ctx, testID, time.Now())
}

func (o *Orchestrator) callModel(ctx context.Context, testID int64, prompt string) (*models.AnalysisEnvelope, string, bool) {
	raw, err := o.llm.Chat(ctx, systemPrompt, prompt)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		o.log.Error("llm call failed, writing fallback analyses", "test_id", testID, "error", err)
		return nil, "", false
	}
	envelope, err := parseEnvelope(raw)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("parse_error").Inc()
		o.log.Error("llm response unparseable, writing fallback analyses", "test_id", testID, "error", err)
		return nil, "", false
	}
	metrics.LLMRequests.WithLabelValues("ok").Inc()
	return envelope, o.llm.ModelName(), true
}

// podResources assembles the detector's per-pod input from the stored
// resource series, resolving infra ids to pod names.
func (o *Orchestrator) podResources(ctx context.Context, detail *models.TestHistoryDetail) ([]bottleneck.PodResources, error) {
	byPod := map[string][]models.TestResourcePoint{}
	for i := range detail.Scenarios {
		sc := &detail.Scenarios[i]
		if len(sc.Resources) == 0 {
			continue
		}
		infra, err := o.repo.InfraForScenario(ctx, sc.ID)
		if err != nil {
			return nil, err
		}
		names := make(map[int64]string, len(infra))
		for _, si := range infra {
			names[si.ID] = si.Name
		}
		for _, p := range sc.Resources {
			name := names[p.ServerInfraID]
			if name == "" {
				name = fmt.Sprintf("infra-%d", p.ServerInfraID)
			}
			byPod[name] = append(byPod[name], p)
		}
	}

	podNames := make([]string, 0, len(byPod))
	for name := range byPod {
		podNames = append(podNames, name)
	}
	sort.Strings(podNames)

	out := make([]bottleneck.PodResources, 0, len(podNames))
	for _, name := range podNames {
		out = append(out, bottleneck.PodResourcesFromPoints(name, byPod[name]))
	}
	return out, nil
}

func (o *Orchestrator) buildPrompt(detail *models.TestHistoryDetail, evidence string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Load test %q (job %s)\n\n", detail.Title, detail.JobName))

	if detail.TotalRequests != nil {
		b.WriteString(fmt.Sprintf("Total requests: %d", *detail.TotalRequests))
		if detail.FailedRequests != nil {
			b.WriteString(fmt.Sprintf(", failed: %d", *detail.FailedRequests))
		}
		b.WriteString("\n")
	}
	if detail.TestDuration != nil {
		b.WriteString(fmt.Sprintf("Duration: %.0f s\n", *detail.TestDuration))
	}
	if detail.AvgTPS != nil {
		b.WriteString(fmt.Sprintf("TPS min/avg/max: %.1f / %.1f / %.1f\n",
			deref(detail.MinTPS), *detail.AvgTPS, deref(detail.MaxTPS)))
	}
	if detail.AvgResponseTime != nil {
		b.WriteString(fmt.Sprintf("Response time avg/p95/p99: %.1f / %.1f / %.1f ms\n",
			*detail.AvgResponseTime, deref(detail.P95ResponseTime), deref(detail.P99ResponseTime)))
	}

	b.WriteString("\n## Steady-state time series\n\n")
	b.WriteString(summarizeSeries(trimSeries(detail.Overall)))

	for i := range detail.Scenarios {
		sc := &detail.Scenarios[i]
		b.WriteString(fmt.Sprintf("\n### Scenario %s (%s)\n\n", sc.Name, sc.ScenarioTag))
		b.WriteString(summarizeSeries(trimSeries(sc.Timeseries)))
	}

	b.WriteString("\n## Detected bottlenecks\n\n")
	b.WriteString(evidence)
	return b.String()
}

// trimSeries drops the warm-up head and cool-down tail, then removes TPS
// outliers beyond the sigma bound so ramp spikes do not skew the summary.
func trimSeries(points []models.TestMetricsPoint) []models.TestMetricsPoint {
	n := len(points)
	if n == 0 {
		return nil
	}
	head := int(float64(n) * trimHeadFrac)
	tail := int(float64(n) * trimTailFrac)
	trimmed := points[head : n-tail]
	if len(trimmed) < 3 {
		return trimmed
	}

	mean, std := 0.0, 0.0
	for _, p := range trimmed {
		mean += p.TPS
	}
	mean /= float64(len(trimmed))
	for _, p := range trimmed {
		std += (p.TPS - mean) * (p.TPS - mean)
	}
	std = math.Sqrt(std / float64(len(trimmed)))
	if std == 0 {
		return trimmed
	}

	out := make([]models.TestMetricsPoint, 0, len(trimmed))
	for _, p := range trimmed {
		if math.Abs(p.TPS-mean) <= outlierSigmas*std {
			out = append(out, p)
		}
	}
	return out
}

func summarizeSeries(points []models.TestMetricsPoint) string {
	if len(points) == 0 {
		return "no data\n"
	}
	var tps, rt, errRate, vus float64
	maxTPS, maxRT, maxErr := 0.0, 0.0, 0.0
	for _, p := range points {
		tps += p.TPS
		rt += p.AvgResponseTime
		errRate += p.ErrorRate
		vus += p.VUs
		maxTPS = math.Max(maxTPS, p.TPS)
		maxRT = math.Max(maxRT, p.AvgResponseTime)
		maxErr = math.Max(maxErr, p.ErrorRate)
	}
	n := float64(len(points))
	return fmt.Sprintf(
		"buckets=%d, tps avg=%.1f max=%.1f, rt avg=%.1f max=%.1f ms, error avg=%.2f max=%.2f %%, vus avg=%.0f\n",
		len(points), tps/n, maxTPS, rt/n, maxRT, errRate/n, maxErr, vus/n)
}

// parseEnvelope extracts the JSON object from the model output, tolerating a
// Markdown code fence around it.
func parseEnvelope(raw string) (*models.AnalysisEnvelope, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	var env models.AnalysisEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, err
	}
	if env.Comprehensive.Summary == "" {
		return nil, fmt.Errorf("envelope missing comprehensive section")
	}
	return &env, nil
}

// fallbackEnvelope synthesizes minimal analyses from the data we already
// have, so the UI shows something useful even when the model is down.
func fallbackEnvelope(detail *models.TestHistoryDetail, problems []models.PerformanceProblem) *models.AnalysisEnvelope {
	summary := fmt.Sprintf("Automated fallback: run %q finished", detail.Title)
	if detail.TotalRequests != nil && detail.FailedRequests != nil {
		summary = fmt.Sprintf("Automated fallback: %d requests, %d failed.", *detail.TotalRequests, *detail.FailedRequests)
	}
	detailText := "LLM analysis was unavailable; metrics were collected normally."
	if len(problems) > 0 {
		detailText = fmt.Sprintf("LLM analysis was unavailable. The deterministic detector found %d problem(s).", len(problems))
	}
	sub := models.SubAnalysis{
		Summary:          summary,
		DetailedAnalysis: detailText,
		Insights:         []string{"Re-run the analysis once the LLM endpoint is reachable."},
		PerformanceScore: 0,
	}
	return &models.AnalysisEnvelope{
		Comprehensive: sub, ResponseTime: sub, TPS: sub, ErrorRate: sub, ResourceUsage: sub,
	}
}

func (o *Orchestrator) persist(ctx context.Context, testID int64, env *models.AnalysisEnvelope, modelName string) error {
	sections := []struct {
		analysisType string
		sub          models.SubAnalysis
	}{
		{models.AnalysisCategoryComprehensive, env.Comprehensive},
		{models.AnalysisCategoryResponseTime, env.ResponseTime},
		{models.AnalysisCategoryTPS, env.TPS},
		{models.AnalysisCategoryErrorRate, env.ErrorRate},
		{models.AnalysisCategoryResourceUsage, env.ResourceUsage},
	}
	now := time.Now().UTC()
	for _, s := range sections {
		payload, err := json.Marshal(s.sub)
		if err != nil {
			return err
		}
		row := &models.AnalysisHistory{
			PrimaryTestID:  testID,
			Category:       categoryLoadTest,
			AnalysisType:   s.analysisType,
			AnalysisResult: payload,
			ModelName:      modelName,
			AnalyzedAt:     now,
		}
		if err := o.repo.InsertAnalysis(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
