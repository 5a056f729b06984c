package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plogdev/plog-backend/internal/bottleneck"
	"github.com/plogdev/plog-backend/internal/models"
	"github.com/plogdev/plog-backend/internal/repository"
)

const validEnvelope = `{
	"comprehensive":   {"summary": "overall fine", "detailed_analysis": "...", "insights": ["ok"], "performance_score": 85},
	"response_time":   {"summary": "stable", "detailed_analysis": "...", "insights": [], "performance_score": 90},
	"tps":             {"summary": "flat", "detailed_analysis": "...", "insights": [], "performance_score": 80},
	"error_rate":      {"summary": "low", "detailed_analysis": "...", "insights": [], "performance_score": 95},
	"resource_usage":  {"summary": "headroom", "detailed_analysis": "...", "insights": [], "performance_score": 88}
}`

func chatResponseJSON(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
}

func newTestRepo(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations())
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedCompletedRun(t *testing.T, repo *repository.SQLiteRepository) int64 {
	t.Helper()
	ctx := context.Background()

	project := &models.Project{Title: "demo"}
	require.NoError(t, repo.CreateProject(ctx, project))

	th := &models.TestHistory{
		ProjectID: project.ID,
		Title:     "baseline",
		TestedAt:  time.Now().Add(-5 * time.Minute),
		JobName:   "job-A",
	}
	require.NoError(t, repo.CreateTestHistory(ctx, th))

	total, failed, dur := int64(6000), int64(30), 60.0
	tps, rt := 100.0, 50.0
	require.NoError(t, repo.UpdateTestAggregates(ctx, th.ID, &models.AggregateMetrics{
		TotalRequests: &total, FailedRequests: &failed, TestDuration: &dur,
		AvgTPS: &tps, MinTPS: &tps, MaxTPS: &tps,
		AvgResponseTime: &rt, MinResponseTime: &rt, MaxResponseTime: &rt,
		P50ResponseTime: &rt, P95ResponseTime: &rt, P99ResponseTime: &rt,
	}))
	require.NoError(t, repo.MarkTestCompleted(ctx, th.ID, time.Now()))

	start := time.Now().Add(-4 * time.Minute).UTC().Truncate(10 * time.Second)
	var points []models.TestMetricsPoint
	for i := 0; i < 6; i++ {
		points = append(points, models.TestMetricsPoint{
			TestHistoryID: th.ID,
			Timestamp:     start.Add(time.Duration(i) * 10 * time.Second),
			TPS:           100, ErrorRate: 0.5, VUs: 30,
			AvgResponseTime: 50, P95ResponseTime: 60, P99ResponseTime: 70,
		})
	}
	require.NoError(t, repo.InsertMetricsPoints(ctx, points))
	return th.ID
}

func newOrchestrator(t *testing.T, repo *repository.SQLiteRepository, upstream http.HandlerFunc) *Orchestrator {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	llm := NewLLMClient(LLMConfig{
		BaseURL: srv.URL, Model: "gpt-4o", Temperature: 0.2, MaxTokens: 4096, Timeout: 5 * time.Second,
	}, testLogger())
	return NewOrchestrator(repo, llm, bottleneck.NewDetector(time.UTC), testLogger())
}

func TestAnalyzePersistsEnvelope(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	testID := seedCompletedRun(t, repo)

	o := newOrchestrator(t, repo, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponseJSON(validEnvelope))
	})

	require.NoError(t, o.Analyze(ctx, testID))

	rows, err := repo.ListAnalyses(ctx, testID, "", 100)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for _, row := range rows {
		assert.Equal(t, "gpt-4o", row.ModelName)
	}

	comp, err := repo.ListAnalyses(ctx, testID, models.AnalysisCategoryComprehensive, 10)
	require.NoError(t, err)
	require.Len(t, comp, 1)
	sub, err := comp[0].Result()
	require.NoError(t, err)
	assert.Equal(t, "overall fine", sub.Summary)
	assert.InDelta(t, 85, sub.PerformanceScore, 0.001)

	got, err := repo.GetTestHistory(ctx, testID)
	require.NoError(t, err)
	assert.True(t, got.IsAnalysisCompleted)
	assert.NotNil(t, got.AnalysisCompletedAt)
}

func TestAnalyzeFallsBackOnLLMFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	testID := seedCompletedRun(t, repo)

	o := newOrchestrator(t, repo, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	require.NoError(t, o.Analyze(ctx, testID), "llm failure must not surface")

	rows, err := repo.ListAnalyses(ctx, testID, "", 100)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for _, row := range rows {
		assert.Equal(t, models.FallbackModelName, row.ModelName)
	}

	got, err := repo.GetTestHistory(ctx, testID)
	require.NoError(t, err)
	assert.True(t, got.IsAnalysisCompleted)
}

func TestAnalyzeFallsBackOnUnparseableResponse(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	testID := seedCompletedRun(t, repo)

	o := newOrchestrator(t, repo, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponseJSON("I could not produce JSON, sorry."))
	})

	require.NoError(t, o.Analyze(ctx, testID))

	rows, err := repo.ListAnalyses(ctx, testID, "", 100)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, models.FallbackModelName, rows[0].ModelName)
}

func TestAnalyzeToleratesCodeFence(t *testing.T) {
	fenced := "```json\n" + validEnvelope + "\n```"
	env, err := parseEnvelope(fenced)
	require.NoError(t, err)
	assert.Equal(t, "overall fine", env.Comprehensive.Summary)
}

func TestTrimSeriesDropsOutliers(t *testing.T) {
	var points []models.TestMetricsPoint
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		tps := 100.0
		if i == 20 {
			tps = 5000 // single spike far past 2.5 sigma
		}
		points = append(points, models.TestMetricsPoint{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			TPS:       tps,
		})
	}

	trimmed := trimSeries(points)
	// Head 10% (4) and tail 5% (2) removed, then the spike.
	assert.Len(t, trimmed, 33)
	for _, p := range trimmed {
		assert.Less(t, p.TPS, 1000.0)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	}))
	defer srv.Close()

	llm := NewLLMClient(LLMConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, testLogger())
	ids, err := llm.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, ids)
}
