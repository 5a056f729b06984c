// Package podspec caches per-pod resource requests and limits so the
// realtime stream does not hit the cluster API on every tick.
package podspec

import (
	"context"
	"sync"
	"time"
)

// PodSpec holds the summed container requests and limits of one pod.
// CPU is millicores, memory is MB.
type PodSpec struct {
	CPURequestMillicores float64
	CPULimitMillicores   float64
	MemRequestMB         float64
	MemLimitMB           float64
	FetchedAt            time.Time
}

// Fetcher resolves a pod's resource spec from the cluster API.
type Fetcher interface {
	PodResourceSpec(ctx context.Context, namespace, podName string) (*PodSpec, error)
}

type cacheEntry struct {
	spec      PodSpec
	expiresAt time.Time
}

// Cache is a TTL map keyed by pod name. Concurrent Get on the same key may
// fetch twice; it never serves an entry past its TTL.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]cacheEntry
	ttl       time.Duration
	fetcher   Fetcher
	namespace string
	nowFn     func() time.Time
}

func NewCache(fetcher Fetcher, namespace string, ttl time.Duration) *Cache {
	return &Cache{
		entries:   make(map[string]cacheEntry),
		ttl:       ttl,
		fetcher:   fetcher,
		namespace: namespace,
		nowFn:     time.Now,
	}
}

// Get returns the cached spec if fresh, otherwise fetches, stores, returns.
func (c *Cache) Get(ctx context.Context, podName string) (*PodSpec, error) {
	now := c.nowFn()

	c.mu.RLock()
	entry, ok := c.entries[podName]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		spec := entry.spec
		return &spec, nil
	}

	spec, err := c.fetcher.PodResourceSpec(ctx, c.namespace, podName)
	if err != nil {
		return nil, err
	}
	spec.FetchedAt = now

	c.mu.Lock()
	c.entries[podName] = cacheEntry{spec: *spec, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return spec, nil
}

// Cleanup drops expired entries and returns how many were removed.
func (c *Cache) Cleanup() int {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for pod, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, pod)
			removed++
		}
	}
	return removed
}

// Status reports cache occupancy for the debug endpoint.
func (c *Cache) Status() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pods := make([]string, 0, len(c.entries))
	for pod := range c.entries {
		pods = append(pods, pod)
	}
	return map[string]any{
		"entries":     len(c.entries),
		"ttl_seconds": int(c.ttl.Seconds()),
		"pods":        pods,
	}
}
