// Package influx implements the metrics-store client. All queries are
// InfluxQL against the k6 output database plus the cAdvisor measurements.
package influx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
)

// Measurement names written by the load generator and the node agent.
const (
	measHTTPReqs    = "http_reqs"
	measHTTPReqDur  = "http_req_duration"
	measHTTPReqFail = "http_req_failed"
	measVUs         = "vus"
	measCPU         = "container_cpu_usage_seconds_total"
	measMemory      = "container_memory_working_set_bytes"
)

var ErrNoSeries = errors.New("influx: no series in result")

// Stats is a min/max/mean triple over a derived series.
type Stats struct {
	Min  float64
	Max  float64
	Mean float64
}

// DurationStats carries the latency distribution of a run or scenario.
type DurationStats struct {
	Mean float64
	Max  float64
	Min  float64
	P50  float64
	P95  float64
	P99  float64
}

// WindowBucket is one 10 s performance bucket.
type WindowBucket struct {
	Timestamp    time.Time
	TPS          float64
	ErrorRate    float64
	VUs          float64
	AvgRT        float64
	P95RT        float64
	P99RT        float64
	TotalReqs    float64
	FailedReqs   float64
	HasData      bool
}

// Snapshot is a last-10-seconds aggregate used by the realtime stream.
type Snapshot struct {
	TPS          float64
	VUs          float64
	ResponseTime float64
	ErrorRate    float64
}

// ResourceSample is one container usage sample.
type ResourceSample struct {
	Timestamp time.Time
	Value     float64
}

type Client struct {
	c   client.Client
	db  string
	log *slog.Logger
}

func NewClient(host string, port int, database string, log *slog.Logger) (*Client, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:    fmt.Sprintf("http://%s:%d", host, port),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("influx client: %w", err)
	}
	return &Client{c: c, db: database, log: log}, nil
}

func (c *Client) Close() error { return c.c.Close() }

// Ping checks reachability of the metrics store.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.c.Ping(3 * time.Second)
	return err
}

func (c *Client) query(ctx context.Context, q string) (*client.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.c.Query(client.NewQuery(q, c.db, "ns"))
	if err != nil {
		return nil, err
	}
	if resp.Error() != nil {
		return nil, resp.Error()
	}
	return resp, nil
}

// firstRow returns the first value row of the first series, or ErrNoSeries.
func firstRow(resp *client.Response) ([]interface{}, error) {
	if len(resp.Results) == 0 || len(resp.Results[0].Series) == 0 ||
		len(resp.Results[0].Series[0].Values) == 0 {
		return nil, ErrNoSeries
	}
	return resp.Results[0].Series[0].Values[0], nil
}

func allRows(resp *client.Response) [][]interface{} {
	if len(resp.Results) == 0 || len(resp.Results[0].Series) == 0 {
		return nil
	}
	return resp.Results[0].Series[0].Values
}

// numAt extracts a float from a row column; null cells return (0, false).
func numAt(row []interface{}, i int) (float64, bool) {
	if i >= len(row) || row[i] == nil {
		return 0, false
	}
	switch v := row[i].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return v, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// timeAt parses the timestamp column, which is nanoseconds with epoch "ns".
func timeAt(row []interface{}, i int) (time.Time, bool) {
	if i >= len(row) || row[i] == nil {
		return time.Time{}, false
	}
	switch v := row[i].(type) {
	case json.Number:
		ns, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(0, ns).UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

func jobFilter(jobName string) string {
	return fmt.Sprintf(`"job_name" = '%s'`, escapeTag(jobName))
}

// escapeTag guards single quotes in tag value literals.
func escapeTag(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// TotalRequests counts every request the generator issued for the run, or
// for one scenario when scenarioTag is non-empty.
func (c *Client) TotalRequests(ctx context.Context, jobName, scenarioTag string) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT("value") FROM %q WHERE %s`, measHTTPReqs,
		jobFilter(jobName)+scenarioClause(scenarioTag))
	resp, err := c.query(ctx, q)
	if err != nil {
		return 0, err
	}
	row, err := firstRow(resp)
	if errors.Is(err, ErrNoSeries) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := numAt(row, 1)
	return int64(n), nil
}

// FailedRequests counts requests whose status is not 2xx.
func (c *Client) FailedRequests(ctx context.Context, jobName, scenarioTag string) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT("value") FROM %q WHERE %s AND "status" !~ /^2../`,
		measHTTPReqs, jobFilter(jobName)+scenarioClause(scenarioTag))
	resp, err := c.query(ctx, q)
	if err != nil {
		return 0, err
	}
	row, err := firstRow(resp)
	if errors.Is(err, ErrNoSeries) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := numAt(row, 1)
	return int64(n), nil
}

// TPSStats derives 5 s TPS buckets and returns their min/max/mean.
func (c *Client) TPSStats(ctx context.Context, jobName, scenarioTag string) (*Stats, bool, error) {
	q := fmt.Sprintf(
		`SELECT MIN("tps"), MAX("tps"), MEAN("tps") FROM (SELECT SUM("value") / 5 AS "tps" FROM %q WHERE %s GROUP BY time(5s))`,
		measHTTPReqs, jobFilter(jobName)+scenarioClause(scenarioTag))
	return c.statsQuery(ctx, q)
}

// ErrorRateStats derives 5 s mean failure-rate buckets, as percentages.
func (c *Client) ErrorRateStats(ctx context.Context, jobName, scenarioTag string) (*Stats, bool, error) {
	q := fmt.Sprintf(
		`SELECT MIN("err") * 100, MAX("err") * 100, MEAN("err") * 100 FROM (SELECT MEAN("value") AS "err" FROM %q WHERE %s GROUP BY time(5s))`,
		measHTTPReqFail, jobFilter(jobName)+scenarioClause(scenarioTag))
	return c.statsQuery(ctx, q)
}

// VUsStats returns the virtual-user distribution of the run.
func (c *Client) VUsStats(ctx context.Context, jobName string) (*Stats, bool, error) {
	q := fmt.Sprintf(`SELECT MIN("value"), MAX("value"), MEAN("value") FROM %q WHERE %s`,
		measVUs, jobFilter(jobName))
	return c.statsQuery(ctx, q)
}

func (c *Client) statsQuery(ctx context.Context, q string) (*Stats, bool, error) {
	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, false, err
	}
	row, err := firstRow(resp)
	if errors.Is(err, ErrNoSeries) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s Stats
	var ok bool
	if s.Min, ok = numAt(row, 1); !ok {
		return nil, false, nil
	}
	s.Max, _ = numAt(row, 2)
	s.Mean, _ = numAt(row, 3)
	return &s, true, nil
}

// DurationStats returns the latency distribution in milliseconds.
func (c *Client) DurationStats(ctx context.Context, jobName, scenarioTag string) (*DurationStats, bool, error) {
	q := fmt.Sprintf(
		`SELECT MEAN("value"), MAX("value"), MIN("value"), PERCENTILE("value", 50), PERCENTILE("value", 95), PERCENTILE("value", 99) FROM %q WHERE %s`,
		measHTTPReqDur, jobFilter(jobName)+scenarioClause(scenarioTag))
	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, false, err
	}
	row, err := firstRow(resp)
	if errors.Is(err, ErrNoSeries) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var d DurationStats
	var ok bool
	if d.Mean, ok = numAt(row, 1); !ok {
		return nil, false, nil
	}
	d.Max, _ = numAt(row, 2)
	d.Min, _ = numAt(row, 3)
	d.P50, _ = numAt(row, 4)
	d.P95, _ = numAt(row, 5)
	d.P99, _ = numAt(row, 6)
	return &d, true, nil
}

// TimeBounds returns the first and last request timestamps of the run.
func (c *Client) TimeBounds(ctx context.Context, jobName string) (start, end time.Time, ok bool, err error) {
	q := fmt.Sprintf(`SELECT FIRST("value"), LAST("value") FROM %q WHERE %s`,
		measHTTPReqs, jobFilter(jobName))
	resp, err := c.query(ctx, q)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	row, rerr := firstRow(resp)
	if errors.Is(rerr, ErrNoSeries) {
		return time.Time{}, time.Time{}, false, nil
	}
	if rerr != nil {
		return time.Time{}, time.Time{}, false, rerr
	}
	first, fok := timeAt(row, 0)
	if !fok {
		return time.Time{}, time.Time{}, false, nil
	}
	// FIRST/LAST in one statement share the FIRST's row time; fetch the
	// last timestamp separately.
	q2 := fmt.Sprintf(`SELECT LAST("value") FROM %q WHERE %s`, measHTTPReqs, jobFilter(jobName))
	resp2, err := c.query(ctx, q2)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	row2, rerr := firstRow(resp2)
	if rerr != nil {
		return time.Time{}, time.Time{}, false, nil
	}
	last, lok := timeAt(row2, 0)
	if !lok {
		return time.Time{}, time.Time{}, false, nil
	}
	return first, last, true, nil
}

// ScenarioTags lists the distinct scenario tag values seen for the run.
func (c *Client) ScenarioTags(ctx context.Context, jobName string) ([]string, error) {
	q := fmt.Sprintf(`SHOW TAG VALUES FROM %q WITH KEY = "scenario" WHERE %s`,
		measHTTPReqs, jobFilter(jobName))
	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, row := range allRows(resp) {
		// SHOW TAG VALUES rows are [key, value].
		if len(row) >= 2 {
			if s, ok := row[1].(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
	}
	return tags, nil
}

func scenarioClause(scenarioTag string) string {
	if scenarioTag == "" {
		return ""
	}
	return fmt.Sprintf(` AND "scenario" = '%s'`, escapeTag(scenarioTag))
}

func timeRange(start, end time.Time) string {
	return fmt.Sprintf(` AND time >= %d AND time <= %d`, start.UnixNano(), end.UnixNano())
}

// WindowPerformance walks the run interval in 10 s buckets and returns one
// WindowBucket per window, so the stored series always spans the full run.
// Windows without traffic come back zeroed with HasData false. An empty
// scenarioTag selects the overall series.
func (c *Client) WindowPerformance(ctx context.Context, jobName, scenarioTag string, start, end time.Time) ([]WindowBucket, error) {
	where := jobFilter(jobName) + scenarioClause(scenarioTag) + timeRange(start, end)

	type bucketAgg struct{ total, failed, vus, avgRT, p95, p99 map[int64]float64 }
	agg := bucketAgg{
		total: map[int64]float64{}, failed: map[int64]float64{}, vus: map[int64]float64{},
		avgRT: map[int64]float64{}, p95: map[int64]float64{}, p99: map[int64]float64{},
	}

	collect := func(q string, dst map[int64]float64) error {
		resp, err := c.query(ctx, q)
		if err != nil {
			return err
		}
		for _, row := range allRows(resp) {
			ts, ok := timeAt(row, 0)
			if !ok {
				continue
			}
			if v, ok := numAt(row, 1); ok {
				dst[ts.UnixNano()] = v
			}
		}
		return nil
	}

	if err := collect(fmt.Sprintf(`SELECT COUNT("value") FROM %q WHERE %s GROUP BY time(10s)`,
		measHTTPReqs, where), agg.total); err != nil {
		return nil, err
	}
	if err := collect(fmt.Sprintf(`SELECT COUNT("value") FROM %q WHERE %s AND "status" !~ /^2../ GROUP BY time(10s)`,
		measHTTPReqs, where), agg.failed); err != nil {
		return nil, err
	}
	// vus is not tagged per scenario; always query it job-wide.
	vusWhere := jobFilter(jobName) + timeRange(start, end)
	if err := collect(fmt.Sprintf(`SELECT LAST("value") FROM %q WHERE %s GROUP BY time(10s)`,
		measVUs, vusWhere), agg.vus); err != nil {
		return nil, err
	}
	if err := collect(fmt.Sprintf(`SELECT MEAN("value") FROM %q WHERE %s GROUP BY time(10s)`,
		measHTTPReqDur, where), agg.avgRT); err != nil {
		return nil, err
	}
	if err := collect(fmt.Sprintf(`SELECT PERCENTILE("value", 95) FROM %q WHERE %s GROUP BY time(10s)`,
		measHTTPReqDur, where), agg.p95); err != nil {
		return nil, err
	}
	if err := collect(fmt.Sprintf(`SELECT PERCENTILE("value", 99) FROM %q WHERE %s GROUP BY time(10s)`,
		measHTTPReqDur, where), agg.p99); err != nil {
		return nil, err
	}

	var out []WindowBucket
	for ts := start.Truncate(10 * time.Second); !ts.After(end); ts = ts.Add(10 * time.Second) {
		key := ts.UnixNano()
		b := WindowBucket{Timestamp: ts, VUs: agg.vus[key]}
		if total := agg.total[key]; total > 0 {
			b.TPS = total / 10
			b.AvgRT = agg.avgRT[key]
			b.P95RT = agg.p95[key]
			b.P99RT = agg.p99[key]
			b.TotalReqs = total
			b.FailedReqs = agg.failed[key]
			b.ErrorRate = b.FailedReqs / total * 100
			b.HasData = true
		}
		out = append(out, b)
	}
	return out, nil
}

// RecentOverall aggregates the last 10 seconds for the realtime stream.
func (c *Client) RecentOverall(ctx context.Context, jobName string) (*Snapshot, error) {
	return c.recent(ctx, jobName, "")
}

// RecentScenario aggregates the last 10 seconds for one scenario tag.
func (c *Client) RecentScenario(ctx context.Context, jobName, scenarioTag string) (*Snapshot, error) {
	return c.recent(ctx, jobName, scenarioTag)
}

func (c *Client) recent(ctx context.Context, jobName, scenarioTag string) (*Snapshot, error) {
	where := jobFilter(jobName) + scenarioClause(scenarioTag) + ` AND time >= now() - 10s`
	snap := &Snapshot{}

	q := fmt.Sprintf(`SELECT COUNT("value") FROM %q WHERE %s`, measHTTPReqs, where)
	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var total float64
	if row, rerr := firstRow(resp); rerr == nil {
		total, _ = numAt(row, 1)
	}
	snap.TPS = total / 10

	q = fmt.Sprintf(`SELECT COUNT("value") FROM %q WHERE %s AND "status" !~ /^2../`, measHTTPReqs, where)
	if resp, err = c.query(ctx, q); err != nil {
		return nil, err
	}
	if row, rerr := firstRow(resp); rerr == nil && total > 0 {
		failed, _ := numAt(row, 1)
		snap.ErrorRate = failed / total * 100
	}

	q = fmt.Sprintf(`SELECT MEAN("value") FROM %q WHERE %s`, measHTTPReqDur, where)
	if resp, err = c.query(ctx, q); err != nil {
		return nil, err
	}
	if row, rerr := firstRow(resp); rerr == nil {
		snap.ResponseTime, _ = numAt(row, 1)
	}

	q = fmt.Sprintf(`SELECT LAST("value") FROM %q WHERE %s AND time >= now() - 10s`,
		measVUs, jobFilter(jobName))
	if resp, err = c.query(ctx, q); err != nil {
		return nil, err
	}
	if row, rerr := firstRow(resp); rerr == nil {
		snap.VUs, _ = numAt(row, 1)
	}
	return snap, nil
}

// CPUUsage returns per-10 s CPU usage in millicores for one pod, derived from
// the cumulative usage counter.
func (c *Client) CPUUsage(ctx context.Context, podName string, start, end time.Time) ([]ResourceSample, error) {
	q := fmt.Sprintf(
		`SELECT non_negative_derivative(MEAN("value"), 1s) * 1000 FROM %q WHERE "pod" = '%s'%s GROUP BY time(10s)`,
		measCPU, escapeTag(podName), timeRange(start, end))
	return c.sampleQuery(ctx, q)
}

// MemoryUsage returns per-10 s working-set memory in MB for one pod.
func (c *Client) MemoryUsage(ctx context.Context, podName string, start, end time.Time) ([]ResourceSample, error) {
	q := fmt.Sprintf(
		`SELECT MEAN("value") / 1048576 FROM %q WHERE "pod" = '%s'%s GROUP BY time(10s)`,
		measMemory, escapeTag(podName), timeRange(start, end))
	return c.sampleQuery(ctx, q)
}

// CurrentCPU returns the most recent CPU usage in millicores, ok=false when
// no sample arrived in the last 30 seconds.
func (c *Client) CurrentCPU(ctx context.Context, podName string) (float64, bool, error) {
	q := fmt.Sprintf(
		`SELECT non_negative_derivative(MEAN("value"), 1s) * 1000 FROM %q WHERE "pod" = '%s' AND time >= now() - 30s GROUP BY time(10s) ORDER BY time DESC LIMIT 1`,
		measCPU, escapeTag(podName))
	return c.currentQuery(ctx, q)
}

// CurrentMemory returns the most recent working-set memory in MB.
func (c *Client) CurrentMemory(ctx context.Context, podName string) (float64, bool, error) {
	q := fmt.Sprintf(
		`SELECT MEAN("value") / 1048576 FROM %q WHERE "pod" = '%s' AND time >= now() - 30s GROUP BY time(10s) ORDER BY time DESC LIMIT 1`,
		measMemory, escapeTag(podName))
	return c.currentQuery(ctx, q)
}

func (c *Client) currentQuery(ctx context.Context, q string) (float64, bool, error) {
	resp, err := c.query(ctx, q)
	if err != nil {
		return 0, false, err
	}
	for _, row := range allRows(resp) {
		if v, ok := numAt(row, 1); ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}

func (c *Client) sampleQuery(ctx context.Context, q string) ([]ResourceSample, error) {
	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []ResourceSample
	for _, row := range allRows(resp) {
		ts, tok := timeAt(row, 0)
		if !tok {
			continue
		}
		if v, ok := numAt(row, 1); ok {
			out = append(out, ResourceSample{Timestamp: ts, Value: v})
		}
	}
	return out, nil
}
