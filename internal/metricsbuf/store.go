package metricsbuf

import (
	"sync"
	"time"

	"github.com/plogdev/plog-backend/internal/pkg/metrics"
)

// Metric names within a pod's buffer pair.
const (
	MetricCPU    = "cpu"
	MetricMemory = "memory"
)

// Store indexes buffers by job, pod, and metric. Stream emitters write,
// the cleanup controller prunes.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]map[string]map[string]*Buffer
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]map[string]map[string]*Buffer)}
}

// Get returns the buffer for the triple, creating it on first use. Usage
// ratios are percentages, so new buffers clamp to [0,100].
func (s *Store) Get(jobName, podName, metric string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	pods, ok := s.jobs[jobName]
	if !ok {
		pods = make(map[string]map[string]*Buffer)
		s.jobs[jobName] = pods
		metrics.BufferJobs.Set(float64(len(s.jobs)))
	}
	buffers, ok := pods[podName]
	if !ok {
		buffers = make(map[string]*Buffer)
		pods[podName] = buffers
	}
	b, ok := buffers[metric]
	if !ok {
		b = NewBuffer(Percentage, 100)
		buffers[metric] = b
	}
	return b
}

// Visit runs fn under the write lock for the job's buffer. Keeps AddValue
// and PredictNext atomic per tick without exposing the lock.
func (s *Store) Visit(jobName, podName, metric string, fn func(*Buffer)) {
	b := s.Get(jobName, podName, metric)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(b)
}

// Jobs lists tracked job names.
func (s *Store) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.jobs))
	for j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// LatestTimestamp is the newest sample time anywhere under the job; zero
// when the job has no samples.
func (s *Store) LatestTimestamp(jobName string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for _, buffers := range s.jobs[jobName] {
		for _, b := range buffers {
			if ts := b.LatestTimestamp(); ts.After(latest) {
				latest = ts
			}
		}
	}
	return latest
}

// AllEmpty reports whether every buffer under the job holds no samples.
func (s *Store) AllEmpty(jobName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, buffers := range s.jobs[jobName] {
		for _, b := range buffers {
			if b.Len() > 0 {
				return false
			}
		}
	}
	return true
}

// DropJob removes all buffers for a job.
func (s *Store) DropJob(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobName)
	metrics.BufferJobs.Set(float64(len(s.jobs)))
}
