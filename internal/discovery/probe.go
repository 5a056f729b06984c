package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
	corev1 "k8s.io/api/core/v1"

	"github.com/plogdev/plog-backend/internal/pkg/metrics"
)

// probePaths is the fixed set of documentation locations tried per URL.
var probePaths = []string{
	"/v3/api-docs",
	"/v2/api-docs",
	"/swagger.json",
	"/openapi.json",
	"/api-docs.json",
	"/swagger-ui/index.html",
	"/swagger-ui.html",
	"/api-docs",
	"/docs",
}

// acceptMarkers accept an HTML or text body as API documentation.
var acceptMarkers = []string{
	"swagger", "openapi", "api documentation", "swagger-ui", "redoc", "rapidoc",
}

const (
	probeTimeout     = 3 * time.Second
	probeConcurrency = 5
	negCacheTTL      = 10 * time.Minute
	negCacheSize     = 512
)

// Prober scans a service's URLs for API documentation. Failed URLs enter a
// negative cache so repeated ticks do not re-hammer dead endpoints.
type Prober struct {
	client *http.Client
	sem    *semaphore.Weighted
	neg    *expirable.LRU[string, struct{}]
	log    *slog.Logger

	// urlBuilder produces the candidate base URLs for a service. Tests
	// override it to point at local fixtures.
	urlBuilder func(svc *corev1.Service) []candidateURL
}

type candidateURL struct {
	url string
	// nodePortLocal marks the localhost NodePort form whose accepted URL
	// must be rewritten to the cluster DNS name before persisting.
	nodePortLocal bool
	servicePort   int32
}

func NewProber(log *slog.Logger) *Prober {
	p := &Prober{
		client: &http.Client{Timeout: probeTimeout},
		sem:    semaphore.NewWeighted(probeConcurrency),
		neg:    expirable.NewLRU[string, struct{}](negCacheSize, nil, negCacheTTL),
		log:    log,
	}
	p.urlBuilder = p.clusterURLs
	return p
}

// clusterURLs builds the in-cluster DNS URL for every service port and, for
// NodePort services, the localhost fallback used outside the cluster.
func (p *Prober) clusterURLs(svc *corev1.Service) []candidateURL {
	var out []candidateURL
	for _, port := range svc.Spec.Ports {
		out = append(out, candidateURL{
			url:         fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", svc.Name, svc.Namespace, port.Port),
			servicePort: port.Port,
		})
		if port.NodePort > 0 {
			out = append(out, candidateURL{
				url:           fmt.Sprintf("http://localhost:%d", port.NodePort),
				nodePortLocal: true,
				servicePort:   port.Port,
			})
		}
	}
	return out
}

// ProbeResult carries the accepted documentation URL and the base URL to
// persist, which differs when the probe went through a NodePort.
type ProbeResult struct {
	DocURL  string
	BaseURL string
}

// Probe scatter-gathers every (base URL, path) pair for the service, bounded
// by the shared semaphore, and returns the accepted documentation location
// with the highest priority (candidate order, then path order).
func (p *Prober) Probe(ctx context.Context, svc *corev1.Service) (*ProbeResult, bool) {
	type attempt struct {
		order int
		full  string
		cand  candidateURL
	}
	var attempts []attempt
	for _, cand := range p.urlBuilder(svc) {
		for _, path := range probePaths {
			full := cand.url + path
			if _, bad := p.neg.Get(full); bad {
				continue
			}
			attempts = append(attempts, attempt{order: len(attempts), full: full, cand: cand})
		}
	}
	if len(attempts) == 0 {
		return nil, false
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		attempt
		ok bool
	}
	results := make(chan outcome, len(attempts))
	var wg sync.WaitGroup
	for _, a := range attempts {
		wg.Add(1)
		go func(a attempt) {
			defer wg.Done()
			ok, err := p.tryURL(scanCtx, a.full)
			if err != nil || !ok {
				// Cancellation is not evidence the URL is dead.
				if scanCtx.Err() == nil {
					p.neg.Add(a.full, struct{}{})
					metrics.SpecProbes.WithLabelValues("miss").Inc()
				}
				results <- outcome{attempt: a, ok: false}
				return
			}
			metrics.SpecProbes.WithLabelValues("hit").Inc()
			results <- outcome{attempt: a, ok: true}
		}(a)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	best := -1
	var won attempt
	for res := range results {
		if !res.ok {
			continue
		}
		if best == -1 || res.order < best {
			best, won = res.order, res.attempt
			// Stop the remaining fetches; in-flight hits can still take
			// priority when they finish.
			cancel()
		}
	}
	if best == -1 {
		return nil, false
	}

	result := &ProbeResult{DocURL: won.full, BaseURL: won.cand.url}
	if won.cand.nodePortLocal {
		result.BaseURL = fmt.Sprintf("http://%s.%s.svc.cluster.local:%d",
			svc.Name, svc.Namespace, won.cand.servicePort)
	}
	return result, true
}

// tryURL fetches one candidate under the shared concurrency limit and
// decides whether the body looks like API documentation.
func (p *Prober) tryURL(ctx context.Context, url string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	return looksLikeAPIDoc(body), nil
}

func looksLikeAPIDoc(body []byte) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err == nil {
		for _, key := range []string{"swagger", "openapi", "info"} {
			if _, ok := top[key]; ok {
				return true
			}
		}
		return false
	}
	lower := strings.ToLower(string(body))
	for _, marker := range acceptMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
