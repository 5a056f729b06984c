package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestPodsForService(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "api-0", Namespace: "test", Labels: map[string]string{"app": "api"},
		}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "other-0", Namespace: "test", Labels: map[string]string{"app": "other"},
		}},
	)
	c := NewClientForTest(clientset)

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "svc-api", Namespace: "test"},
		Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "api"}},
	}
	pods, err := c.PodsForService(context.Background(), svc)
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "api-0", pods[0].Name)

	// Selector-less services match nothing.
	pods, err = c.PodsForService(context.Background(), &corev1.Service{})
	require.NoError(t, err)
	assert.Empty(t, pods)
}

func TestResolveOwnerKindThroughReplicaSet(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&appsv1.ReplicaSet{ObjectMeta: metav1.ObjectMeta{
			Name: "api-7f9c", Namespace: "test",
			OwnerReferences: []metav1.OwnerReference{{Kind: "Deployment", Name: "api"}},
		}},
	)
	c := NewClientForTest(clientset)

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name: "api-7f9c-x", Namespace: "test",
		OwnerReferences: []metav1.OwnerReference{{Kind: "ReplicaSet", Name: "api-7f9c"}},
	}}
	kind, err := c.ResolveOwnerKind(context.Background(), pod)
	require.NoError(t, err)
	assert.Equal(t, "Deployment", kind)

	bare := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "solo", Namespace: "test"}}
	kind, err = c.ResolveOwnerKind(context.Background(), bare)
	require.NoError(t, err)
	assert.Equal(t, "Pod", kind)
}

func TestJobFinished(t *testing.T) {
	running := &batchv1.Job{}
	finished, _ := JobFinished(running)
	assert.False(t, finished)

	done := &batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
	}}}
	finished, succeeded := JobFinished(done)
	assert.True(t, finished)
	assert.True(t, succeeded)

	failed := &batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobFailed, Status: corev1.ConditionTrue},
	}}}
	finished, succeeded = JobFinished(failed)
	assert.True(t, finished)
	assert.False(t, succeeded)
}

func TestPodResourceSpecSumsContainers(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "api-0", Namespace: "test"},
		Spec: corev1.PodSpec{Containers: []corev1.Container{
			{
				Name: "app",
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("250m"),
						corev1.ResourceMemory: resource.MustParse("256Mi"),
					},
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("1"),
						corev1.ResourceMemory: resource.MustParse("512Mi"),
					},
				},
			},
			{
				Name: "sidecar",
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("500m"),
						corev1.ResourceMemory: resource.MustParse("128Mi"),
					},
				},
			},
		}},
	}
	c := NewClientForTest(fake.NewSimpleClientset(pod))

	spec, err := c.PodResourceSpec(context.Background(), "test", "api-0")
	require.NoError(t, err)
	assert.Equal(t, 250.0, spec.CPURequestMillicores)
	assert.Equal(t, 1500.0, spec.CPULimitMillicores)
	assert.Equal(t, 256.0, spec.MemRequestMB)
	assert.Equal(t, 640.0, spec.MemLimitMB)
}
