// Package jobwatch finalizes completed load-test runs: it polls the cluster
// for finished generator jobs, aggregates their metrics, ingests the time
// series, and hands the run to the analysis pipeline.
package jobwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/plogdev/plog-backend/internal/influx"
	"github.com/plogdev/plog-backend/internal/k8s"
	"github.com/plogdev/plog-backend/internal/metricsbuf"
	"github.com/plogdev/plog-backend/internal/models"
	"github.com/plogdev/plog-backend/internal/podspec"
	"github.com/plogdev/plog-backend/internal/pkg/metrics"
	"github.com/plogdev/plog-backend/internal/repository"
)

const (
	bucketWidth = 10 * time.Second
	// Resource queries extend past the run interval so edge buckets are not
	// cut off mid-window.
	resourceWindowPad = time.Minute
)

// MetricsSource is the query surface the controller needs from the metrics
// store. Satisfied by *influx.Client; tests substitute a fake.
type MetricsSource interface {
	TimeBounds(ctx context.Context, jobName string) (start, end time.Time, ok bool, err error)
	TotalRequests(ctx context.Context, jobName, scenarioTag string) (int64, error)
	FailedRequests(ctx context.Context, jobName, scenarioTag string) (int64, error)
	TPSStats(ctx context.Context, jobName, scenarioTag string) (*influx.Stats, bool, error)
	ErrorRateStats(ctx context.Context, jobName, scenarioTag string) (*influx.Stats, bool, error)
	VUsStats(ctx context.Context, jobName string) (*influx.Stats, bool, error)
	DurationStats(ctx context.Context, jobName, scenarioTag string) (*influx.DurationStats, bool, error)
	WindowPerformance(ctx context.Context, jobName, scenarioTag string, start, end time.Time) ([]influx.WindowBucket, error)
	CPUUsage(ctx context.Context, podName string, start, end time.Time) ([]influx.ResourceSample, error)
	MemoryUsage(ctx context.Context, podName string, start, end time.Time) ([]influx.ResourceSample, error)
}

// Analyzer receives completed runs for LLM analysis off the controller's
// tick.
type Analyzer interface {
	Analyze(ctx context.Context, testID int64) error
}

type Config struct {
	Namespace      string
	Interval       time.Duration
	AutoDeleteJobs bool
	// MetricsDelay holds finalization back after a job finishes so the
	// store's last write window has settled.
	MetricsDelay time.Duration
	WarningAfter time.Duration
	TimeoutAfter time.Duration
}

type Controller struct {
	repo     *repository.SQLiteRepository
	cluster  *k8s.Client
	store    MetricsSource
	pods     *podspec.Cache
	analyzer Analyzer
	cfg      Config
	log      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewController(
	repo *repository.SQLiteRepository,
	cluster *k8s.Client,
	store MetricsSource,
	pods *podspec.Cache,
	analyzer Analyzer,
	cfg Config,
	log *slog.Logger,
) *Controller {
	return &Controller{
		repo:     repo,
		cluster:  cluster,
		store:    store,
		pods:     pods,
		analyzer: analyzer,
		cfg:      cfg,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		c.log.Info("job controller started", "namespace", c.cfg.Namespace, "interval", c.cfg.Interval)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if err := c.Tick(ctx); err != nil {
					metrics.JobErrors.Inc()
					c.log.Error("job tick failed", "error", err)
				}
				cancel()
			case <-c.stopCh:
				c.log.Info("job controller stopped")
				return
			}
		}
	}()
}

func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Tick runs one reconciliation pass over the generator namespace.
func (c *Controller) Tick(ctx context.Context) error {
	jobs, err := c.cluster.ListJobs(ctx, c.cfg.Namespace)
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range jobs {
		job := &jobs[i]
		finished, _ := k8s.JobFinished(job)
		if !finished {
			continue
		}
		if at, ok := jobFinishedAt(job); ok && now.Sub(at) < c.cfg.MetricsDelay {
			c.log.Info("metrics grace period, retrying next tick", "job_name", job.Name)
			continue
		}
		if err := c.processJob(ctx, job.Name); err != nil {
			c.log.Error("job finalize failed", "job_name", job.Name, "error", err)
		}
	}

	c.watchStuckRuns(ctx, jobs)
	metrics.JobTicks.Inc()
	return nil
}

// processJob finalizes one finished generator job. Each step checks its
// already-done flag so a retried tick is harmless.
func (c *Controller) processJob(ctx context.Context, jobName string) error {
	th, err := c.repo.GetTestHistoryByJobName(ctx, jobName)
	if errors.Is(err, repository.ErrNotFound) {
		return nil // foreign job
	}
	if err != nil {
		return err
	}
	if th.IsCompleted {
		return c.maybeDeleteJob(ctx, jobName)
	}

	start, end, ok, err := c.store.TimeBounds(ctx, jobName)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Info("metrics not ready, retrying next tick", "job_name", jobName)
		return nil
	}

	if err := c.updateAggregates(ctx, th, jobName, start, end); err != nil {
		return err
	}

	scenarios, err := c.repo.ListScenarios(ctx, th.ID)
	if err != nil {
		return err
	}
	for i := range scenarios {
		if err := c.updateScenarioAggregates(ctx, jobName, &scenarios[i], start, end); err != nil {
			return err
		}
	}

	if err := c.ingestPerformance(ctx, th, scenarios, jobName, start, end); err != nil {
		return err
	}
	if err := c.ingestResources(ctx, scenarios, start, end); err != nil {
		return err
	}

	if err := c.repo.MarkTestCompleted(ctx, th.ID, time.Now()); err != nil {
		return err
	}
	metrics.JobsFinalized.Inc()
	c.log.Info("test run completed", "job_name", jobName, "test_id", th.ID)

	if c.analyzer != nil {
		testID := th.ID
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := c.analyzer.Analyze(actx, testID); err != nil {
				c.log.Error("analysis failed", "test_id", testID, "error", err)
			}
		}()
	}

	return c.maybeDeleteJob(ctx, jobName)
}

func (c *Controller) maybeDeleteJob(ctx context.Context, jobName string) error {
	if !c.cfg.AutoDeleteJobs {
		return nil
	}
	if err := c.cluster.DeleteJob(ctx, c.cfg.Namespace, jobName); err != nil {
		c.log.Warn("job delete failed", "job_name", jobName, "error", err)
	}
	return nil
}

func (c *Controller) updateAggregates(ctx context.Context, th *models.TestHistory, jobName string, start, end time.Time) error {
	agg, ok, err := c.collectAggregates(ctx, jobName, "", start, end)
	if err != nil || !ok {
		return err
	}
	return c.repo.UpdateTestAggregates(ctx, th.ID, agg)
}

func (c *Controller) updateScenarioAggregates(ctx context.Context, jobName string, sh *models.ScenarioHistory, start, end time.Time) error {
	agg, ok, err := c.collectAggregates(ctx, jobName, sh.ScenarioTag, start, end)
	if err != nil || !ok {
		return err
	}
	return c.repo.UpdateScenarioAggregates(ctx, sh.ID, agg)
}

// collectAggregates builds the aggregate block from the metrics store.
// ok=false when the store has no data yet; callers skip the update and the
// next tick retries.
func (c *Controller) collectAggregates(ctx context.Context, jobName, scenarioTag string, start, end time.Time) (*models.AggregateMetrics, bool, error) {
	tps, ok, err := c.store.TPSStats(ctx, jobName, scenarioTag)
	if err != nil || !ok {
		return nil, false, err
	}
	dur, ok, err := c.store.DurationStats(ctx, jobName, scenarioTag)
	if err != nil || !ok {
		return nil, false, err
	}
	errRate, ok, err := c.store.ErrorRateStats(ctx, jobName, scenarioTag)
	if err != nil {
		return nil, false, err
	}
	vus, vok, err := c.store.VUsStats(ctx, jobName)
	if err != nil {
		return nil, false, err
	}
	total, err := c.store.TotalRequests(ctx, jobName, scenarioTag)
	if err != nil {
		return nil, false, err
	}
	failed, err := c.store.FailedRequests(ctx, jobName, scenarioTag)
	if err != nil {
		return nil, false, err
	}
	duration := end.Sub(start).Seconds()

	agg := &models.AggregateMetrics{
		MinTPS: &tps.Min, MaxTPS: &tps.Max, AvgTPS: &tps.Mean,
		AvgResponseTime: &dur.Mean, MinResponseTime: &dur.Min, MaxResponseTime: &dur.Max,
		P50ResponseTime: &dur.P50, P95ResponseTime: &dur.P95, P99ResponseTime: &dur.P99,
		TotalRequests: &total, FailedRequests: &failed, TestDuration: &duration,
	}
	if ok && errRate != nil {
		agg.MinErrorRate, agg.MaxErrorRate, agg.AvgErrorRate = &errRate.Min, &errRate.Max, &errRate.Mean
	} else {
		zero := 0.0
		agg.MinErrorRate, agg.MaxErrorRate, agg.AvgErrorRate = &zero, &zero, &zero
	}
	if vok && vus != nil {
		agg.MinVUs, agg.MaxVUs, agg.AvgVUs = &vus.Min, &vus.Max, &vus.Mean
	}
	return agg, true, nil
}

// ingestPerformance persists the 10 s buckets, overall plus one series per
// scenario tag. Skipped entirely when a previous tick already wrote them.
func (c *Controller) ingestPerformance(ctx context.Context, th *models.TestHistory, scenarios []models.ScenarioHistory, jobName string, start, end time.Time) error {
	n, err := c.repo.CountOverallPoints(ctx, th.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	overall, err := c.store.WindowPerformance(ctx, jobName, "", start, end)
	if err != nil {
		return err
	}
	points := bucketsToPoints(th.ID, nil, overall)
	metrics.BucketsIngested.WithLabelValues("overall").Add(float64(len(points)))

	for i := range scenarios {
		sh := &scenarios[i]
		buckets, err := c.store.WindowPerformance(ctx, jobName, sh.ScenarioTag, start, end)
		if err != nil {
			return err
		}
		scenarioID := sh.ID
		scenarioPoints := bucketsToPoints(th.ID, &scenarioID, buckets)
		metrics.BucketsIngested.WithLabelValues("scenario").Add(float64(len(scenarioPoints)))
		points = append(points, scenarioPoints...)
	}
	return c.repo.InsertMetricsPoints(ctx, points)
}

func bucketsToPoints(testID int64, scenarioID *int64, buckets []influx.WindowBucket) []models.TestMetricsPoint {
	points := make([]models.TestMetricsPoint, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, models.TestMetricsPoint{
			TestHistoryID:     testID,
			ScenarioHistoryID: scenarioID,
			Timestamp:         b.Timestamp.UTC(),
			TPS:               b.TPS,
			ErrorRate:         b.ErrorRate,
			VUs:               b.VUs,
			AvgResponseTime:   b.AvgRT,
			P95ResponseTime:   b.P95RT,
			P99ResponseTime:   b.P99RT,
		})
	}
	return points
}

// ingestResources queries container usage for every pod bound to each
// scenario's spec and fills sampling gaps through a prediction buffer before
// persisting.
func (c *Controller) ingestResources(ctx context.Context, scenarios []models.ScenarioHistory, start, end time.Time) error {
	qStart := start.Add(-resourceWindowPad)
	qEnd := end.Add(resourceWindowPad)

	for i := range scenarios {
		sh := &scenarios[i]
		existing, err := c.repo.ListResourcePoints(ctx, sh.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue // a previous tick already ingested this scenario
		}
		infra, err := c.repo.InfraForScenario(ctx, sh.ID)
		if err != nil {
			return err
		}
		var points []models.TestResourcePoint
		for _, si := range infra {
			spec, err := c.pods.Get(ctx, si.Name)
			if err != nil {
				c.log.Warn("pod spec unavailable", "pod", si.Name, "error", err)
				spec = &podspec.PodSpec{}
			}

			cpu, err := c.store.CPUUsage(ctx, si.Name, qStart, qEnd)
			if err != nil {
				return err
			}
			points = append(points, interpolateSeries(sh.ID, si.ID, models.ResourceMetricCPU, "millicores", cpu, spec, start, end)...)

			mem, err := c.store.MemoryUsage(ctx, si.Name, qStart, qEnd)
			if err != nil {
				return err
			}
			points = append(points, interpolateSeries(sh.ID, si.ID, models.ResourceMetricMemory, "MB", mem, spec, start, end)...)
		}
		if err := c.repo.InsertResourcePoints(ctx, points); err != nil {
			return err
		}
		metrics.BucketsIngested.WithLabelValues("resource").Add(float64(len(points)))
	}
	return nil
}

// interpolateSeries walks the run interval on the 10 s grid and emits one
// point per bucket, synthesizing values through a prediction buffer where
// the store had no sample.
func interpolateSeries(
	scenarioID, infraID int64,
	metricType models.ResourceMetricType,
	unit string,
	samples []influx.ResourceSample,
	spec *podspec.PodSpec,
	start, end time.Time,
) []models.TestResourcePoint {
	byBucket := make(map[int64]float64, len(samples))
	for _, s := range samples {
		byBucket[s.Timestamp.Truncate(bucketWidth).Unix()] = s.Value
	}

	buf := metricsbuf.NewBuffer(metricsbuf.Absolute, 0)
	var out []models.TestResourcePoint
	for ts := start.Truncate(bucketWidth); !ts.After(end); ts = ts.Add(bucketWidth) {
		value, haveSample := byBucket[ts.Unix()]
		if haveSample {
			buf.AddValue(value, false, ts)
		} else {
			predicted, ok := buf.PredictNext()
			if !ok {
				continue // nothing to extrapolate from yet
			}
			value = predicted
			buf.AddValue(predicted, true, ts)
		}
		point := models.TestResourcePoint{
			ScenarioHistoryID: scenarioID,
			ServerInfraID:     infraID,
			Timestamp:         ts.UTC(),
			MetricType:        metricType,
			Unit:              unit,
			Value:             value,
		}
		if spec != nil {
			point.CPURequest = &spec.CPURequestMillicores
			point.CPULimit = &spec.CPULimitMillicores
			point.MemRequestMB = &spec.MemRequestMB
			point.MemLimitMB = &spec.MemLimitMB
		}
		out = append(out, point)
	}
	return out
}

// watchStuckRuns flags runs that never completed. Past the warning horizon
// they are logged; past the timeout the cluster job is force-deleted and the
// run is closed with whatever data earlier ticks managed to write, so the
// watchdog never revisits it.
func (c *Controller) watchStuckRuns(ctx context.Context, jobs []batchv1.Job) {
	if c.cfg.TimeoutAfter <= 0 {
		return
	}
	incomplete, err := c.repo.ListIncompleteTests(ctx)
	if err != nil {
		c.log.Error("stuck-run scan failed", "error", err)
		return
	}
	running := map[string]bool{}
	for i := range jobs {
		if finished, _ := k8s.JobFinished(&jobs[i]); !finished {
			running[jobs[i].Name] = true
		}
	}

	now := time.Now()
	for _, th := range incomplete {
		age := now.Sub(th.TestedAt)
		switch {
		case age > c.cfg.TimeoutAfter:
			c.log.Error("run exceeded timeout, force completing", "job_name", th.JobName, "age", age)
			if running[th.JobName] {
				if err := c.cluster.DeleteJob(ctx, c.cfg.Namespace, th.JobName); err != nil {
					c.log.Warn("timeout job delete failed", "job_name", th.JobName, "error", err)
				}
			}
			if err := c.repo.MarkTestCompleted(ctx, th.ID, now); err != nil {
				c.log.Error("timeout completion failed", "job_name", th.JobName, "error", err)
			}
		case c.cfg.WarningAfter > 0 && age > c.cfg.WarningAfter:
			c.log.Warn("run still incomplete", "job_name", th.JobName, "age", age)
		}
	}
}

// jobFinishedAt extracts the job's completion time; for failed jobs it falls
// back to the terminal condition's transition time.
func jobFinishedAt(job *batchv1.Job) (time.Time, bool) {
	if job.Status.CompletionTime != nil {
		return job.Status.CompletionTime.Time, true
	}
	for _, cond := range job.Status.Conditions {
		if (cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed) && cond.Status == corev1.ConditionTrue {
			return cond.LastTransitionTime.Time, true
		}
	}
	return time.Time{}, false
}
