// Package stream serves the realtime SSE feed for a running load test. Each
// connection owns one emitter task that composes a snapshot every tick from
// the metrics store, the pod-spec cache, and the smart buffers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/plogdev/plog-backend/internal/influx"
	"github.com/plogdev/plog-backend/internal/metricsbuf"
	"github.com/plogdev/plog-backend/internal/models"
	"github.com/plogdev/plog-backend/internal/pkg/metrics"
	"github.com/plogdev/plog-backend/internal/podspec"
	"github.com/plogdev/plog-backend/internal/repository"
)

const defaultTick = 5 * time.Second

// Include modes for the stream query parameter.
const (
	IncludeAll           = "all"
	IncludeK6Only        = "k6_only"
	IncludeResourcesOnly = "resources_only"
)

// MetricsSource is the realtime query surface. Satisfied by *influx.Client.
type MetricsSource interface {
	RecentOverall(ctx context.Context, jobName string) (*influx.Snapshot, error)
	RecentScenario(ctx context.Context, jobName, scenarioTag string) (*influx.Snapshot, error)
	ScenarioTags(ctx context.Context, jobName string) ([]string, error)
	CurrentCPU(ctx context.Context, podName string) (float64, bool, error)
	CurrentMemory(ctx context.Context, podName string) (float64, bool, error)
}

// Handler streams live test data over SSE.
type Handler struct {
	repo    *repository.SQLiteRepository
	store   MetricsSource
	buffers *metricsbuf.Store
	pods    *podspec.Cache
	loc     *time.Location
	tick    time.Duration
	log     *slog.Logger
}

func NewHandler(
	repo *repository.SQLiteRepository,
	store MetricsSource,
	buffers *metricsbuf.Store,
	pods *podspec.Cache,
	loc *time.Location,
	log *slog.Logger,
) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		repo:    repo,
		store:   store,
		buffers: buffers,
		pods:    pods,
		loc:     loc,
		tick:    defaultTick,
		log:     log,
	}
}

// SetTick overrides the emit period; tests shorten it.
func (h *Handler) SetTick(d time.Duration) {
	h.tick = d
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobName := mux.Vars(r)["job_name"]
	include := r.URL.Query().Get("include")
	if include == "" {
		include = IncludeAll
	}
	switch include {
	case IncludeAll, IncludeK6Only, IncludeResourcesOnly:
	default:
		http.Error(w, "invalid include parameter", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()
	h.log.Info("sse stream opened", "job_name", jobName, "include", include)
	defer h.log.Info("sse stream closed", "job_name", jobName)

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	// First frame goes out immediately so the client does not wait a full
	// tick for data.
	h.emit(r.Context(), w, flusher, jobName, include)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			h.emit(r.Context(), w, flusher, jobName, include)
		}
	}
}

func (h *Handler) emit(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, jobName, include string) {
	snap := h.snapshot(ctx, jobName, include)
	payload, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("snapshot marshal failed", "job_name", jobName, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// snapshot composes one frame. Store failures zero the performance section
// and set the error field; the stream itself keeps running.
func (h *Handler) snapshot(ctx context.Context, jobName, include string) *models.StreamSnapshot {
	snap := &models.StreamSnapshot{
		Timestamp: time.Now().In(h.loc).Format(time.RFC3339),
		Scenarios: []models.StreamScenario{},
		Resources: []models.StreamResource{},
	}

	if include != IncludeResourcesOnly {
		if err := h.fillPerformance(ctx, jobName, snap); err != nil {
			snap.Error = "metrics store unavailable"
			h.log.Warn("stream performance query failed", "job_name", jobName, "error", err)
		}
	}
	if include != IncludeK6Only {
		h.fillResources(ctx, jobName, snap)
	}
	return snap
}

func (h *Handler) fillPerformance(ctx context.Context, jobName string, snap *models.StreamSnapshot) error {
	overall, err := h.store.RecentOverall(ctx, jobName)
	if err != nil {
		return err
	}
	snap.Overall = models.StreamOverall{
		TPS:          overall.TPS,
		VUs:          overall.VUs,
		ResponseTime: overall.ResponseTime,
		ErrorRate:    overall.ErrorRate,
	}

	// The tag list is refreshed every tick; scenarios appear as soon as the
	// generator emits their first points.
	tags, err := h.store.ScenarioTags(ctx, jobName)
	if err != nil {
		return err
	}
	names := h.scenarioNames(ctx, jobName)
	for _, tag := range tags {
		sc, err := h.store.RecentScenario(ctx, jobName, tag)
		if err != nil {
			return err
		}
		name := names[tag]
		if name == "" {
			name = tag
		}
		snap.Scenarios = append(snap.Scenarios, models.StreamScenario{
			Name:         name,
			ScenarioTag:  tag,
			TPS:          sc.TPS,
			VUs:          sc.VUs,
			ResponseTime: sc.ResponseTime,
			ErrorRate:    sc.ErrorRate,
		})
	}
	return nil
}

// scenarioNames maps scenario tags to their display names. A missing run or
// scenario is not an error; the tag doubles as the name.
func (h *Handler) scenarioNames(ctx context.Context, jobName string) map[string]string {
	out := map[string]string{}
	th, err := h.repo.GetTestHistoryByJobName(ctx, jobName)
	if err != nil {
		return out
	}
	scenarios, err := h.repo.ListScenarios(ctx, th.ID)
	if err != nil {
		return out
	}
	for _, sc := range scenarios {
		out[sc.ScenarioTag] = sc.Name
	}
	return out
}

func (h *Handler) fillResources(ctx context.Context, jobName string, snap *models.StreamSnapshot) {
	infra, err := h.repo.InfraForJob(ctx, jobName)
	if err != nil {
		h.log.Warn("stream infra lookup failed", "job_name", jobName, "error", err)
		return
	}
	for _, si := range infra {
		res, err := h.podResource(ctx, jobName, si)
		if err != nil {
			// A broken pod drops out of the frame; the rest still stream.
			h.log.Warn("pod resource snapshot failed", "job_name", jobName, "pod", si.Name, "error", err)
			continue
		}
		snap.Resources = append(snap.Resources, res)
	}
}

func (h *Handler) podResource(ctx context.Context, jobName string, si models.ServerInfra) (models.StreamResource, error) {
	spec, err := h.pods.Get(ctx, si.Name)
	if err != nil {
		return models.StreamResource{}, err
	}

	cpuPct, cpuPredicted, cpuStreak, cpuConf, err := h.observe(
		ctx, jobName, si.Name, metricsbuf.MetricCPU, spec.CPULimitMillicores, h.store.CurrentCPU)
	if err != nil {
		return models.StreamResource{}, err
	}
	memPct, memPredicted, memStreak, memConf, err := h.observe(
		ctx, jobName, si.Name, metricsbuf.MetricMemory, spec.MemLimitMB, h.store.CurrentMemory)
	if err != nil {
		return models.StreamResource{}, err
	}

	return models.StreamResource{
		PodName:            si.Name,
		ServiceType:        si.ServiceType,
		CPUUsagePercent:    cpuPct,
		MemoryUsagePercent: memPct,
		CPUIsPredicted:     cpuPredicted,
		MemoryIsPredicted:  memPredicted,
		Specs: models.StreamResourceSpecs{
			CPULimitMillicores: spec.CPULimitMillicores,
			MemoryLimitMB:      spec.MemLimitMB,
		},
		PredictionInfo: models.StreamPredictionInfo{
			CPUStreak:        cpuStreak,
			MemoryStreak:     memStreak,
			CPUConfidence:    cpuConf,
			MemoryConfidence: memConf,
		},
	}, nil
}

// observe queries the current raw value for one pod metric and runs it
// through the smart buffer: fresh samples are pushed as actuals, gaps are
// filled by prediction, and an empty buffer yields zero.
func (h *Handler) observe(
	ctx context.Context,
	jobName, podName, metric string,
	limit float64,
	query func(context.Context, string) (float64, bool, error),
) (pct float64, predicted bool, streak int, confidence float64, err error) {
	raw, ok, err := query(ctx, podName)
	if err != nil {
		return 0, false, 0, 0, err
	}

	now := time.Now()
	h.buffers.Visit(jobName, podName, metric, func(b *metricsbuf.Buffer) {
		switch {
		case ok && limit > 0:
			b.AddValue(raw/limit*100, false, now)
			pct, _, _ = b.Latest()
		case ok:
			// No limit recorded; stream the raw value unscaled.
			b.AddValue(raw, false, now)
			pct, _, _ = b.Latest()
		default:
			value, can := b.PredictNext()
			if !can {
				pct = 0
				return
			}
			b.AddValue(value, true, now)
			pct, _, _ = b.Latest()
			predicted = true
		}
		streak = b.Streak()
		confidence = b.Confidence()
	})
	return pct, predicted, streak, confidence, nil
}
