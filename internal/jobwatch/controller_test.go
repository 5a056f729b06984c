package jobwatch

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/plogdev/plog-backend/internal/influx"
	"github.com/plogdev/plog-backend/internal/k8s"
	"github.com/plogdev/plog-backend/internal/models"
	"github.com/plogdev/plog-backend/internal/podspec"
	"github.com/plogdev/plog-backend/internal/repository"
)

// fakeStore replays a fixed 60 s run: 6000 requests, 30 failures, 50 ms
// latency, in 10 s buckets of 1000 requests each.
type fakeStore struct {
	start, end time.Time
	hasData    bool
	cpu        []influx.ResourceSample
	mem        []influx.ResourceSample
}

func (f *fakeStore) TimeBounds(ctx context.Context, jobName string) (time.Time, time.Time, bool, error) {
	return f.start, f.end, f.hasData, nil
}

func (f *fakeStore) TotalRequests(ctx context.Context, jobName, scenarioTag string) (int64, error) {
	return 6000, nil
}

func (f *fakeStore) FailedRequests(ctx context.Context, jobName, scenarioTag string) (int64, error) {
	return 30, nil
}

func (f *fakeStore) TPSStats(ctx context.Context, jobName, scenarioTag string) (*influx.Stats, bool, error) {
	return &influx.Stats{Min: 95, Max: 105, Mean: 100}, true, nil
}

func (f *fakeStore) ErrorRateStats(ctx context.Context, jobName, scenarioTag string) (*influx.Stats, bool, error) {
	return &influx.Stats{Min: 0.2, Max: 0.9, Mean: 0.5}, true, nil
}

func (f *fakeStore) VUsStats(ctx context.Context, jobName string) (*influx.Stats, bool, error) {
	return &influx.Stats{Min: 10, Max: 50, Mean: 30}, true, nil
}

func (f *fakeStore) DurationStats(ctx context.Context, jobName, scenarioTag string) (*influx.DurationStats, bool, error) {
	return &influx.DurationStats{Mean: 50, Max: 50, Min: 50, P50: 50, P95: 50, P99: 50}, true, nil
}

func (f *fakeStore) WindowPerformance(ctx context.Context, jobName, scenarioTag string, start, end time.Time) ([]influx.WindowBucket, error) {
	var out []influx.WindowBucket
	for ts := start; ts.Before(end); ts = ts.Add(10 * time.Second) {
		out = append(out, influx.WindowBucket{
			Timestamp: ts, TPS: 100, ErrorRate: 0.5, VUs: 30,
			AvgRT: 50, P95RT: 50, P99RT: 50, TotalReqs: 1000, FailedReqs: 5, HasData: true,
		})
	}
	return out, nil
}

func (f *fakeStore) CPUUsage(ctx context.Context, podName string, start, end time.Time) ([]influx.ResourceSample, error) {
	return f.cpu, nil
}

func (f *fakeStore) MemoryUsage(ctx context.Context, podName string, start, end time.Time) ([]influx.ResourceSample, error) {
	return f.mem, nil
}

type recordingAnalyzer struct {
	analyzed chan int64
}

func (r *recordingAnalyzer) Analyze(ctx context.Context, testID int64) error {
	r.analyzed <- testID
	return nil
}

type stubSpecFetcher struct{}

func (stubSpecFetcher) PodResourceSpec(ctx context.Context, namespace, podName string) (*podspec.PodSpec, error) {
	return &podspec.PodSpec{CPULimitMillicores: 1000, MemLimitMB: 512}, nil
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

func finishedJob(name string) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "plog"},
		Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		}},
	}
}

func seedRun(t *testing.T, repo *repository.SQLiteRepository, jobName string) (*models.TestHistory, *models.ScenarioHistory) {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{Title: "demo"}
	require.NoError(t, repo.CreateProject(ctx, project))

	th := &models.TestHistory{
		ProjectID: project.ID,
		Title:     "baseline",
		TestedAt:  time.Now().Add(-2 * time.Minute),
		JobName:   jobName,
	}
	require.NoError(t, repo.CreateTestHistory(ctx, th))

	sh := &models.ScenarioHistory{
		TestHistoryID: th.ID,
		Name:          "orders",
		ScenarioTag:   jobName + "#42",
		Executor:      "constant-vus",
	}
	require.NoError(t, repo.CreateScenarioHistory(ctx, sh))
	return th, sh
}

func TestTickFinalizesCompletedRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	th, sh := seedRun(t, repo, "job-A")

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{start: start, end: start.Add(60 * time.Second), hasData: true}

	analyzer := &recordingAnalyzer{analyzed: make(chan int64, 1)}
	clientset := fake.NewSimpleClientset(finishedJob("job-A"))
	pods := podspec.NewCache(stubSpecFetcher{}, "test", 10*time.Minute)

	c := NewController(repo, k8s.NewClientForTest(clientset), store, pods, analyzer,
		Config{Namespace: "plog", Interval: 15 * time.Second, AutoDeleteJobs: true}, testLogger())

	require.NoError(t, c.Tick(ctx))

	got, err := repo.GetTestHistory(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.TotalRequests)
	assert.Equal(t, int64(6000), *got.TotalRequests)
	assert.Equal(t, int64(30), *got.FailedRequests)
	require.NotNil(t, got.OverallErrorRate())
	assert.InDelta(t, 0.5, *got.OverallErrorRate(), 0.001)
	assert.InDelta(t, 50.0, *got.AvgResponseTime, 0.001)
	assert.InDelta(t, 60.0, *got.TestDuration, 0.001)

	overall, err := repo.ListMetricsPoints(ctx, th.ID, nil)
	require.NoError(t, err)
	assert.Len(t, overall, 6)

	scenarioID := sh.ID
	scenarioPoints, err := repo.ListMetricsPoints(ctx, th.ID, &scenarioID)
	require.NoError(t, err)
	assert.Len(t, scenarioPoints, 6)

	select {
	case id := <-analyzer.analyzed:
		assert.Equal(t, th.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("analyzer was not invoked")
	}

	// Auto-delete removed the cluster job.
	_, err = clientset.BatchV1().Jobs("plog").Get(ctx, "job-A", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestTickSkipsForeignAndRunningJobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	store := &fakeStore{hasData: true, start: time.Now().Add(-time.Minute), end: time.Now()}
	clientset := fake.NewSimpleClientset(
		finishedJob("job-unknown"),
		&batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "job-running", Namespace: "plog"}},
	)
	pods := podspec.NewCache(stubSpecFetcher{}, "test", 10*time.Minute)

	c := NewController(repo, k8s.NewClientForTest(clientset), store, pods, nil,
		Config{Namespace: "plog", Interval: 15 * time.Second}, testLogger())

	// Nothing in the DB matches either job; the tick is a no-op.
	require.NoError(t, c.Tick(ctx))
}

func TestTickWaitsForMetrics(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	th, _ := seedRun(t, repo, "job-B")
	store := &fakeStore{hasData: false}
	clientset := fake.NewSimpleClientset(finishedJob("job-B"))
	pods := podspec.NewCache(stubSpecFetcher{}, "test", 10*time.Minute)

	c := NewController(repo, k8s.NewClientForTest(clientset), store, pods, nil,
		Config{Namespace: "plog", Interval: 15 * time.Second}, testLogger())

	require.NoError(t, c.Tick(ctx))

	got, err := repo.GetTestHistory(ctx, th.ID)
	require.NoError(t, err)
	assert.False(t, got.IsCompleted, "run waits until the store has data")
}

func TestTickHonorsMetricsGracePeriod(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	th, _ := seedRun(t, repo, "job-C")
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{start: start, end: start.Add(60 * time.Second), hasData: true}

	job := finishedJob("job-C")
	job.Status.CompletionTime = &metav1.Time{Time: time.Now()}
	clientset := fake.NewSimpleClientset(job)
	pods := podspec.NewCache(stubSpecFetcher{}, "test", 10*time.Minute)

	c := NewController(repo, k8s.NewClientForTest(clientset), store, pods, nil,
		Config{Namespace: "plog", Interval: 15 * time.Second, MetricsDelay: 30 * time.Second}, testLogger())

	require.NoError(t, c.Tick(ctx))

	got, err := repo.GetTestHistory(ctx, th.ID)
	require.NoError(t, err)
	assert.False(t, got.IsCompleted, "finalization waits out the metrics grace period")
}

func TestTimeoutForceCompletesRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	project := &models.Project{Title: "demo"}
	require.NoError(t, repo.CreateProject(ctx, project))
	th := &models.TestHistory{
		ProjectID: project.ID,
		Title:     "stuck",
		TestedAt:  time.Now().Add(-5 * time.Hour),
		JobName:   "job-stuck",
	}
	require.NoError(t, repo.CreateTestHistory(ctx, th))

	// The cluster job is long gone and the store never saw any data.
	store := &fakeStore{hasData: false}
	clientset := fake.NewSimpleClientset()
	pods := podspec.NewCache(stubSpecFetcher{}, "test", 10*time.Minute)

	c := NewController(repo, k8s.NewClientForTest(clientset), store, pods, nil,
		Config{Namespace: "plog", Interval: 15 * time.Second,
			WarningAfter: time.Hour, TimeoutAfter: 4 * time.Hour}, testLogger())

	require.NoError(t, c.Tick(ctx))

	got, err := repo.GetTestHistory(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted, "timed-out run is closed so the watchdog stops revisiting it")
	require.NotNil(t, got.CompletedAt)

	incomplete, err := repo.ListIncompleteTests(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestResourceIngestionIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	project := &models.Project{Title: "demo"}
	require.NoError(t, repo.CreateProject(ctx, project))
	specID, versionID, err := repo.RegisterSpecVersion(ctx, nil, "Orders API", "1.0", "http://orders:8080", nil,
		[]repository.ParsedEndpoint{{Endpoint: models.Endpoint{Path: "/orders", Method: "GET"}}})
	require.NoError(t, err)
	eps, err := repo.ListEndpoints(ctx, versionID)
	require.NoError(t, err)
	require.NoError(t, repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repository.InsertServerInfraTx(ctx, tx, &models.ServerInfra{
			SpecID:       &specID,
			Namespace:    "test",
			Name:         "orders-0",
			GroupName:    "orders",
			ResourceType: models.ResourceDeployment,
			ServiceType:  models.ServiceTypeServer,
		})
	}))

	th := &models.TestHistory{ProjectID: project.ID, Title: "baseline", TestedAt: time.Now(), JobName: "job-D"}
	require.NoError(t, repo.CreateTestHistory(ctx, th))
	sh := &models.ScenarioHistory{
		TestHistoryID: th.ID, EndpointID: &eps[0].ID,
		Name: "orders", ScenarioTag: "job-D#1", Executor: "constant-vus",
	}
	require.NoError(t, repo.CreateScenarioHistory(ctx, sh))

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Second)
	store := &fakeStore{
		cpu: []influx.ResourceSample{{Timestamp: start, Value: 400}},
		mem: []influx.ResourceSample{{Timestamp: start, Value: 256}},
	}
	pods := podspec.NewCache(stubSpecFetcher{}, "test", 10*time.Minute)
	c := NewController(repo, k8s.NewClientForTest(fake.NewSimpleClientset()), store, pods, nil,
		Config{Namespace: "plog", Interval: 15 * time.Second}, testLogger())

	scenarios := []models.ScenarioHistory{*sh}
	require.NoError(t, c.ingestResources(ctx, scenarios, start, end))
	first, err := repo.ListResourcePoints(ctx, sh.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// A retried tick must not duplicate the persisted series.
	require.NoError(t, c.ingestResources(ctx, scenarios, start, end))
	second, err := repo.ListResourcePoints(ctx, sh.ID)
	require.NoError(t, err)
	assert.Len(t, second, len(first))
}

func TestInterpolateSeriesFillsGaps(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(50 * time.Second)

	samples := []influx.ResourceSample{
		{Timestamp: start, Value: 200},
		{Timestamp: start.Add(10 * time.Second), Value: 220},
		// 20 s and 30 s missing
		{Timestamp: start.Add(40 * time.Second), Value: 240},
	}
	spec := &podspec.PodSpec{CPULimitMillicores: 1000}

	points := interpolateSeries(1, 2, models.ResourceMetricCPU, "millicores", samples, spec, start, end)
	require.Len(t, points, 6)

	assert.Equal(t, 200.0, points[0].Value)
	assert.Equal(t, 220.0, points[1].Value)
	// Gap buckets are synthesized from the trend, not zero.
	assert.Greater(t, points[2].Value, 0.0)
	assert.Greater(t, points[3].Value, 0.0)
	assert.Equal(t, 240.0, points[4].Value)
	for _, p := range points {
		require.NotNil(t, p.CPULimit)
		assert.Equal(t, 1000.0, *p.CPULimit)
		assert.GreaterOrEqual(t, p.Value, 0.0)
	}
}
