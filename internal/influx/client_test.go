package influx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInflux serves canned query results matched by substring of the query.
type fakeInflux struct {
	responses map[string]string
	queries   []string
}

func (f *fakeInflux) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = r.ParseForm()
		q := r.FormValue("q")
		f.queries = append(f.queries, q)
		w.Header().Set("Content-Type", "application/json")
		// Longest matching key wins so overlapping patterns stay deterministic.
		best := ""
		for sub := range f.responses {
			if strings.Contains(q, sub) && len(sub) > len(best) {
				best = sub
			}
		}
		if best != "" {
			fmt.Fprint(w, f.responses[best])
			return
		}
		fmt.Fprint(w, `{"results":[{}]}`)
	}
}

func newTestClient(t *testing.T, f *fakeInflux) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	hc, err := client.NewHTTPClient(client.HTTPConfig{Addr: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return &Client{c: hc, db: "k6", log: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

func seriesJSON(name string, columns []string, values string) string {
	cols := `"` + strings.Join(columns, `","`) + `"`
	return fmt.Sprintf(`{"results":[{"series":[{"name":"%s","columns":[%s],"values":%s}]}]}`,
		name, cols, values)
}

func TestTotalAndFailedRequests(t *testing.T) {
	f := &fakeInflux{responses: map[string]string{
		`AND "status" !~ /^2../`: seriesJSON("http_reqs", []string{"time", "count"}, `[[0,30]]`),
		`COUNT("value")`:         seriesJSON("http_reqs", []string{"time", "count"}, `[[0,6000]]`),
	}}
	c := newTestClient(t, f)

	total, err := c.TotalRequests(context.Background(), "job-A", "")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), total)

	failed, err := c.FailedRequests(context.Background(), "job-A", "")
	require.NoError(t, err)
	assert.Equal(t, int64(30), failed)
}

func TestTotalRequestsEmptySeries(t *testing.T) {
	f := &fakeInflux{responses: map[string]string{}}
	c := newTestClient(t, f)

	total, err := c.TotalRequests(context.Background(), "job-missing", "")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestTPSStats(t *testing.T) {
	f := &fakeInflux{responses: map[string]string{
		`SUM("value") / 5`: seriesJSON("http_reqs", []string{"time", "min", "max", "mean"}, `[[0,80.2,120.4,100.0]]`),
	}}
	c := newTestClient(t, f)

	s, ok, err := c.TPSStats(context.Background(), "job-A", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 80.2, s.Min, 0.001)
	assert.InDelta(t, 120.4, s.Max, 0.001)
	assert.InDelta(t, 100.0, s.Mean, 0.001)
}

func TestDurationStats(t *testing.T) {
	f := &fakeInflux{responses: map[string]string{
		`PERCENTILE("value", 50)`: seriesJSON("http_req_duration",
			[]string{"time", "mean", "max", "min", "p50", "p95", "p99"},
			`[[0,50.0,310.0,12.0,48.0,95.0,180.0]]`),
	}}
	c := newTestClient(t, f)

	d, ok, err := c.DurationStats(context.Background(), "job-A", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 50.0, d.Mean, 0.001)
	assert.InDelta(t, 95.0, d.P95, 0.001)
	assert.InDelta(t, 180.0, d.P99, 0.001)
}

func TestScenarioTags(t *testing.T) {
	f := &fakeInflux{responses: map[string]string{
		`SHOW TAG VALUES`: seriesJSON("http_reqs", []string{"key", "value"},
			`[["scenario","job-A#1"],["scenario","job-A#2"]]`),
	}}
	c := newTestClient(t, f)

	tags, err := c.ScenarioTags(context.Background(), "job-A")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-A#1", "job-A#2"}, tags)
}

func TestWindowPerformance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Second)
	t0 := start.UnixNano()
	t1 := start.Add(10 * time.Second).UnixNano()

	f := &fakeInflux{responses: map[string]string{
		`"status" !~ /^2../ GROUP BY time(10s)`: seriesJSON("http_reqs", []string{"time", "count"},
			fmt.Sprintf(`[[%d,5],[%d,0]]`, t0, t1)),
		`COUNT("value") FROM "http_reqs"`: seriesJSON("http_reqs", []string{"time", "count"},
			fmt.Sprintf(`[[%d,1000],[%d,2000]]`, t0, t1)),
		`FROM "vus"`: seriesJSON("vus", []string{"time", "last"},
			fmt.Sprintf(`[[%d,50],[%d,60]]`, t0, t1)),
		`MEAN("value") FROM "http_req_duration"`: seriesJSON("http_req_duration", []string{"time", "mean"},
			fmt.Sprintf(`[[%d,40.0],[%d,45.0]]`, t0, t1)),
		`PERCENTILE("value", 95)`: seriesJSON("http_req_duration", []string{"time", "p95"},
			fmt.Sprintf(`[[%d,90.0],[%d,95.0]]`, t0, t1)),
		`PERCENTILE("value", 99)`: seriesJSON("http_req_duration", []string{"time", "p99"},
			fmt.Sprintf(`[[%d,120.0],[%d,130.0]]`, t0, t1)),
	}}
	c := newTestClient(t, f)

	buckets, err := c.WindowPerformance(context.Background(), "job-A", "", start, end)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	assert.InDelta(t, 100.0, buckets[0].TPS, 0.001)
	assert.InDelta(t, 0.5, buckets[0].ErrorRate, 0.001)
	assert.InDelta(t, 50.0, buckets[0].VUs, 0.001)
	assert.InDelta(t, 200.0, buckets[1].TPS, 0.001)
	assert.Zero(t, buckets[1].ErrorRate)
	assert.False(t, buckets[2].HasData)
}

func TestWindowPerformanceEmitsEmptyBucketsForQuietWindows(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Second)
	t0 := start.UnixNano()
	t2 := start.Add(20 * time.Second).UnixNano()

	// Traffic in the first and last windows only; the pause in the middle
	// must still produce a bucket so the series spans the whole run.
	f := &fakeInflux{responses: map[string]string{
		`COUNT("value") FROM "http_reqs"`: seriesJSON("http_reqs", []string{"time", "count"},
			fmt.Sprintf(`[[%d,100],[%d,200]]`, t0, t2)),
	}}
	c := newTestClient(t, f)

	buckets, err := c.WindowPerformance(context.Background(), "job-A", "", start, end)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	assert.True(t, buckets[0].HasData)
	assert.InDelta(t, 10.0, buckets[0].TPS, 0.001)

	assert.False(t, buckets[1].HasData)
	assert.True(t, buckets[1].Timestamp.Equal(start.Add(10*time.Second)))
	assert.Zero(t, buckets[1].TPS)
	assert.Zero(t, buckets[1].ErrorRate)

	assert.True(t, buckets[2].HasData)
	assert.InDelta(t, 20.0, buckets[2].TPS, 0.001)
}

func TestCPUUsageSamples(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t0 := start.UnixNano()
	f := &fakeInflux{responses: map[string]string{
		`non_negative_derivative`: seriesJSON("container_cpu_usage_seconds_total",
			[]string{"time", "derivative"}, fmt.Sprintf(`[[%d,250.5],[%d,null]]`, t0, t0+10e9)),
	}}
	c := newTestClient(t, f)

	samples, err := c.CPUUsage(context.Background(), "api-0", start, start.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 250.5, samples[0].Value, 0.001)
	assert.True(t, samples[0].Timestamp.Equal(start))
}

func TestCurrentMemoryNoRecentSample(t *testing.T) {
	f := &fakeInflux{responses: map[string]string{}}
	c := newTestClient(t, f)

	_, ok, err := c.CurrentMemory(context.Background(), "api-0")
	require.NoError(t, err)
	assert.False(t, ok)
}
