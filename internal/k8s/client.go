// Package k8s wraps the cluster API for discovery, job tracking, and
// resource-spec lookups.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/plogdev/plog-backend/internal/podspec"
)

const defaultRetryAttempts = 3

// Client wraps Kubernetes client-go for the single observed cluster.
type Client struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
	// Timeout for outbound API calls; 0 means request context only.
	Timeout time.Duration
	// limiter optionally rate-limits outbound API calls. Nil = no limit.
	limiter  *rate.Limiter
	attempts int
}

// NewClient builds a client from in-cluster config, falling back to the
// kubeconfig at the given path or ~/.kube/config.
func NewClient(kubeconfigPath string) (*Client, error) {
	var config *rest.Config
	var err error

	if kubeconfigPath == "" {
		config, err = rest.InClusterConfig()
		if err != nil {
			homeDir, _ := os.UserHomeDir()
			if homeDir != "" {
				kubeconfigPath = filepath.Join(homeDir, ".kube", "config")
			}
		}
	}

	if config == nil {
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath},
			&clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return &Client{Clientset: clientset, Config: config, attempts: defaultRetryAttempts}, nil
}

// NewClientForTest creates a Client over the given clientset, typically the
// fake clientset. Config is nil.
func NewClientForTest(clientset kubernetes.Interface) *Client {
	return &Client{Clientset: clientset, attempts: 1}
}

// SetTimeout sets the per-call timeout for outbound API calls.
func (c *Client) SetTimeout(d time.Duration) { c.Timeout = d }

// SetLimiter sets a token-bucket rate limiter for outbound API calls.
func (c *Client) SetLimiter(l *rate.Limiter) { c.limiter = l }

// SetRetryAttempts overrides the retry budget for transient API errors.
func (c *Client) SetRetryAttempts(n int) {
	if n > 0 {
		c.attempts = n
	}
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return ctx, func() {}
}

// TestConnection verifies connectivity to the cluster.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return doWithRetry(ctx, c.attempts, func() error {
		_, err := c.Clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1})
		return err
	})
}

// ListServices returns all Services in the namespace.
func (c *Client) ListServices(ctx context.Context, namespace string) ([]corev1.Service, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	list, err := doWithRetryValue(ctx, c.attempts, func() (*corev1.ServiceList, error) {
		return c.Clientset.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// PodsForService lists the pods matched by the service's selector. Services
// without a selector match nothing.
func (c *Client) PodsForService(ctx context.Context, svc *corev1.Service) ([]corev1.Pod, error) {
	if len(svc.Spec.Selector) == 0 {
		return nil, nil
	}
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	selector := labels.SelectorFromSet(svc.Spec.Selector).String()
	list, err := doWithRetryValue(ctx, c.attempts, func() (*corev1.PodList, error) {
		return c.Clientset.CoreV1().Pods(svc.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetPod fetches one pod by name.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return doWithRetryValue(ctx, c.attempts, func() (*corev1.Pod, error) {
		return c.Clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	})
}

// ListJobs returns all Jobs in the namespace.
func (c *Client) ListJobs(ctx context.Context, namespace string) ([]batchv1.Job, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	list, err := doWithRetryValue(ctx, c.attempts, func() (*batchv1.JobList, error) {
		return c.Clientset.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// JobFinished reports whether a Job reached a terminal condition, and
// whether that terminal state is success.
func JobFinished(job *batchv1.Job) (finished, succeeded bool) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, true
		case batchv1.JobFailed:
			return true, false
		}
	}
	return false, false
}

// DeleteJob removes a Job and its pods.
func (c *Client) DeleteJob(ctx context.Context, namespace, name string) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	policy := metav1.DeletePropagationBackground
	return doWithRetry(ctx, c.attempts, func() error {
		return c.Clientset.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{
			PropagationPolicy: &policy,
		})
	})
}

// ResolveOwnerKind walks the pod's owner chain. Pods owned by a ReplicaSet
// resolve through it to the Deployment when one exists.
func (c *Client) ResolveOwnerKind(ctx context.Context, pod *corev1.Pod) (string, error) {
	for _, ref := range pod.OwnerReferences {
		switch ref.Kind {
		case "ReplicaSet":
			rs, err := c.getReplicaSetOwnerKind(ctx, pod.Namespace, ref.Name)
			if err != nil {
				return "ReplicaSet", nil
			}
			return rs, nil
		case "StatefulSet", "DaemonSet", "Job":
			return ref.Kind, nil
		}
	}
	return "Pod", nil
}

func (c *Client) getReplicaSetOwnerKind(ctx context.Context, namespace, name string) (string, error) {
	if err := c.waitRateLimit(ctx); err != nil {
		return "", err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	rs, err := c.Clientset.AppsV1().ReplicaSets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", err
	}
	for _, ref := range rs.OwnerReferences {
		if ref.Kind == "Deployment" {
			return "Deployment", nil
		}
	}
	return "ReplicaSet", nil
}

// PodResourceSpec sums container requests and limits across the pod. CPU is
// normalised to millicores, memory to MB.
func (c *Client) PodResourceSpec(ctx context.Context, namespace, podName string) (*podspec.PodSpec, error) {
	pod, err := c.GetPod(ctx, namespace, podName)
	if err != nil {
		return nil, err
	}
	spec := &podspec.PodSpec{}
	for _, container := range pod.Spec.Containers {
		if q, ok := container.Resources.Requests[corev1.ResourceCPU]; ok {
			spec.CPURequestMillicores += float64(q.MilliValue())
		}
		if q, ok := container.Resources.Limits[corev1.ResourceCPU]; ok {
			spec.CPULimitMillicores += float64(q.MilliValue())
		}
		if q, ok := container.Resources.Requests[corev1.ResourceMemory]; ok {
			spec.MemRequestMB += float64(q.Value()) / 1048576
		}
		if q, ok := container.Resources.Limits[corev1.ResourceMemory]; ok {
			spec.MemLimitMB += float64(q.Value()) / 1048576
		}
	}
	return spec, nil
}
