// Package discovery reconciles the cluster's services and pods into the
// ServerInfra inventory and registers any OpenAPI documentation it finds.
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	corev1 "k8s.io/api/core/v1"

	"github.com/plogdev/plog-backend/internal/k8s"
	"github.com/plogdev/plog-backend/internal/models"
	"github.com/plogdev/plog-backend/internal/openapi"
	"github.com/plogdev/plog-backend/internal/pkg/metrics"
	"github.com/plogdev/plog-backend/internal/repository"
)

var (
	dbImageRe   = regexp.MustCompile(`(?i)(mysql|postgres|redis|mongo|mariadb|elasticsearch|cassandra|influxdb)`)
	localhostRe = regexp.MustCompile(`//(localhost|127\.0\.0\.1)([:/]|$)`)
)

// Controller is the level-triggered discovery loop. Each tick diffs the
// cluster against the inventory and commits the changes in one transaction;
// a failed tick rolls back and the next tick retries.
type Controller struct {
	repo      *repository.SQLiteRepository
	cluster   *k8s.Client
	prober    *Prober
	parser    *openapi.Parser
	namespace string
	interval  time.Duration
	log       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewController(
	repo *repository.SQLiteRepository,
	cluster *k8s.Client,
	prober *Prober,
	parser *openapi.Parser,
	namespace string,
	interval time.Duration,
	log *slog.Logger,
) *Controller {
	return &Controller{
		repo:      repo,
		cluster:   cluster,
		prober:    prober,
		parser:    parser,
		namespace: namespace,
		interval:  interval,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the reconciliation loop. Ticks never overlap.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		c.log.Info("discovery controller started", "namespace", c.namespace, "interval", c.interval)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval)
				if err := c.Tick(ctx); err != nil {
					metrics.DiscoveryErrors.Inc()
					c.log.Error("discovery tick failed", "error", err)
				}
				cancel()
			case <-c.stopCh:
				c.log.Info("discovery controller stopped")
				return
			}
		}
	}()
}

func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Tick runs one reconciliation pass.
func (c *Controller) Tick(ctx context.Context) error {
	existing, err := c.repo.ListServerInfra(ctx, c.namespace)
	if err != nil {
		return err
	}
	knownPods := map[string]map[string]bool{}
	groupSpec := map[string]*int64{}
	for _, row := range existing {
		if knownPods[row.GroupName] == nil {
			knownPods[row.GroupName] = map[string]bool{}
		}
		knownPods[row.GroupName][row.Name] = true
		if row.SpecID != nil {
			groupSpec[row.GroupName] = row.SpecID
		}
	}

	services, err := c.cluster.ListServices(ctx, c.namespace)
	if err != nil {
		return err
	}

	var inserts []models.ServerInfra
	type podKey struct{ namespace, name string }
	var deletes []podKey

	for i := range services {
		svc := &services[i]
		pods, err := c.cluster.PodsForService(ctx, svc)
		if err != nil {
			return err
		}
		current := map[string]bool{}
		for _, pod := range pods {
			current[pod.Name] = true
		}

		known, isKnown := knownPods[svc.Name]
		if isKnown {
			specID := groupSpec[svc.Name]
			for i := range pods {
				if !known[pods[i].Name] {
					inserts = append(inserts, c.classify(ctx, svc, &pods[i], specID))
				}
			}
			for name := range known {
				if !current[name] {
					deletes = append(deletes, podKey{namespace: c.namespace, name: name})
				}
			}
			continue
		}

		if len(pods) == 0 {
			continue
		}

		rows := make([]models.ServerInfra, 0, len(pods))
		hasServer := false
		for i := range pods {
			row := c.classify(ctx, svc, &pods[i], nil)
			if row.ServiceType == models.ServiceTypeServer {
				hasServer = true
			}
			rows = append(rows, row)
		}

		if hasServer {
			specID, ok := c.discoverSpec(ctx, svc)
			if !ok {
				// Not a documented server yet; retry next tick.
				continue
			}
			for i := range rows {
				rows[i].SpecID = specID
			}
		}
		inserts = append(inserts, rows...)
	}

	if len(inserts) == 0 && len(deletes) == 0 {
		metrics.DiscoveryTicks.Inc()
		return nil
	}

	err = c.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, d := range deletes {
			if err := repository.DeleteServerInfraTx(ctx, tx, d.namespace, d.name); err != nil {
				return err
			}
		}
		for i := range inserts {
			if err := repository.InsertServerInfraTx(ctx, tx, &inserts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.DiscoveryTicks.Inc()
	c.log.Info("discovery tick committed", "inserted", len(inserts), "deleted", len(deletes))
	return nil
}

// classify builds the inventory row for one pod: resource type from the
// owner chain, service type from the container images.
func (c *Controller) classify(ctx context.Context, svc *corev1.Service, pod *corev1.Pod, specID *int64) models.ServerInfra {
	kind, err := c.cluster.ResolveOwnerKind(ctx, pod)
	if err != nil {
		kind = models.ResourcePod
	}

	serviceType := models.ServiceTypeServer
	for _, container := range pod.Spec.Containers {
		if dbImageRe.MatchString(container.Image) {
			serviceType = models.ServiceTypeDatabase
			break
		}
	}

	row := models.ServerInfra{
		SpecID:       specID,
		Namespace:    c.namespace,
		Name:         pod.Name,
		GroupName:    svc.Name,
		ResourceType: kind,
		ServiceType:  serviceType,
	}
	if serviceType == models.ServiceTypeDatabase {
		row.SpecID = nil
	}
	if len(pod.Labels) > 0 {
		if b, err := json.Marshal(pod.Labels); err == nil {
			s := string(b)
			row.Labels = &s
		}
	}
	return row
}

// discoverSpec probes the service for documentation, parses it, and
// registers a new active spec version.
func (c *Controller) discoverSpec(ctx context.Context, svc *corev1.Service) (*int64, bool) {
	result, ok := c.prober.Probe(ctx, svc)
	if !ok {
		return nil, false
	}

	doc, err := c.parser.ParseURL(ctx, result.DocURL)
	if err != nil {
		c.log.Warn("openapi parse failed", "service", svc.Name, "url", result.DocURL, "error", err)
		return nil, false
	}

	baseURL := doc.BaseURL
	if baseURL == "" || baseURL[0] == '/' || containsLocalhost(baseURL) {
		baseURL = result.BaseURL
	}

	endpoints := make([]repository.ParsedEndpoint, 0, len(doc.Endpoints))
	for _, ep := range doc.Endpoints {
		pe := repository.ParsedEndpoint{Endpoint: models.Endpoint{
			Path:           ep.Path,
			Method:         ep.Method,
			Summary:        ep.Summary,
			Description:    ep.Description,
			TagName:        ep.TagName,
			TagDescription: ep.TagDescription,
		}}
		for _, param := range ep.Parameters {
			pe.Parameters = append(pe.Parameters, models.Parameter{
				Kind:         param.Kind,
				Name:         param.Name,
				Required:     param.Required,
				ValueType:    param.ValueType,
				Title:        param.Title,
				Description:  param.Description,
				DefaultValue: param.DefaultValue,
			})
		}
		endpoints = append(endpoints, pe)
	}

	specID, _, err := c.repo.RegisterSpecVersion(ctx, nil, doc.Title, doc.Version, baseURL, nil, endpoints)
	if err != nil {
		c.log.Error("spec registration failed", "service", svc.Name, "base_url", baseURL, "error", err)
		return nil, false
	}
	c.log.Info("registered openapi spec", "service", svc.Name, "base_url", baseURL, "endpoints", len(endpoints))
	return &specID, true
}

func containsLocalhost(u string) bool {
	return localhostRe.MatchString(u)
}
