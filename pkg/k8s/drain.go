package k8s

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/quarterdeck-io/console/pkg/models"
	"github.com/quarterdeck-io/console/pkg/store"
)

const (
	drainTimeout      = 10 * time.Minute
	drainPollInterval = 5 * time.Second
)

// NodeDrainManager runs node drains in the background and records progress so
// clients can poll. An operation reaches exactly one terminal state and the
// record never changes after that.
type NodeDrainManager struct {
	clusters *MultiClusterClient
	store    store.Store

	mu     sync.Mutex
	active map[string]struct{}
}

// NewNodeDrainManager creates a manager backed by the given store. Operations
// left in progress by a previous process are marked failed first.
func NewNodeDrainManager(clusters *MultiClusterClient, st store.Store) *NodeDrainManager {
	if err := st.MarkStaleDrainsFailed(); err != nil {
		zlog.Warn().Err(err).Msg("could not reset stale drain records")
	}
	return &NodeDrainManager{
		clusters: clusters,
		store:    st,
		active:   make(map[string]struct{}),
	}
}

// Drain validates the node, records the operation, and starts the drain in
// the background. The returned operation is in progress; acceptance does not
// mean the node finished draining. A node with a drain already underway is
// rejected.
func (m *NodeDrainManager) Drain(ctx context.Context, cluster, nodeName string) (*models.DrainOperation, error) {
	if cluster == "" || nodeName == "" {
		return nil, fmt.Errorf("%w: cluster and nodeName are required", ErrInvalidRequest)
	}

	client, err := m.clusters.GetClient(cluster)
	if err != nil {
		return nil, err
	}
	if _, err := client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("cannot drain node %s: %w", nodeName, err)
	}

	key := sessionKey(cluster, nodeName)
	m.mu.Lock()
	if _, busy := m.active[key]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w for node %s", ErrDrainInProgress, nodeName)
	}
	m.active[key] = struct{}{}
	m.mu.Unlock()

	op := &models.DrainOperation{
		ID:        uuid.NewString(),
		Cluster:   cluster,
		NodeName:  nodeName,
		Status:    models.DrainInProgress,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.SaveDrainOperation(op); err != nil {
		m.release(key)
		return nil, err
	}

	zlog.Info().Str("cluster", cluster).Str("node", nodeName).Str("id", op.ID).Msg("node drain started")
	go m.run(client, *op)

	out := *op
	return &out, nil
}

// Status returns the most recent drain recorded for a node, or nil when none
// was ever requested.
func (m *NodeDrainManager) Status(cluster, nodeName string) (*models.DrainOperation, error) {
	return m.store.GetNodeDrain(cluster, nodeName)
}

func (m *NodeDrainManager) release(key string) {
	m.mu.Lock()
	delete(m.active, key)
	m.mu.Unlock()
}

func (m *NodeDrainManager) run(client kubernetes.Interface, op models.DrainOperation) {
	defer m.release(sessionKey(op.Cluster, op.NodeName))

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := drainNode(ctx, client, op.NodeName); err != nil {
		m.finish(&op, models.DrainFailed, err.Error())
		return
	}
	m.finish(&op, models.DrainSucceeded, "")
}

func (m *NodeDrainManager) finish(op *models.DrainOperation, status models.DrainState, detail string) {
	now := time.Now().UTC()
	op.Status = status
	op.Detail = detail
	op.FinishedAt = &now

	if err := m.store.SaveDrainOperation(op); err != nil {
		zlog.Error().Err(err).Str("id", op.ID).Msg("could not record drain result")
	}
	drainsTotal.WithLabelValues(string(status)).Inc()

	evt := zlog.Info()
	if status == models.DrainFailed {
		evt = zlog.Warn().Str("detail", detail)
	}
	evt.Str("cluster", op.Cluster).Str("node", op.NodeName).Str("status", string(status)).Msg("node drain finished")
}

type evictedPod struct {
	namespace string
	name      string
	uid       types.UID
}

// drainNode cordons the node, evicts its pods, and waits until they are gone.
func drainNode(ctx context.Context, client kubernetes.Interface, nodeName string) error {
	// Cordon first so nothing reschedules onto the node mid-drain
	patch := []byte(`{"spec":{"unschedulable":true}}`)
	if _, err := client.CoreV1().Nodes().Patch(ctx, nodeName, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("failed to cordon node: %w", err)
	}

	pods, err := client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return fmt.Errorf("failed to list pods on node: %w", err)
	}

	var targets []evictedPod
	for i := range pods.Items {
		pod := &pods.Items[i]
		if skipDuringDrain(pod) {
			continue
		}
		if err := evictPod(ctx, client, pod.Namespace, pod.Name); err != nil {
			return err
		}
		targets = append(targets, evictedPod{namespace: pod.Namespace, name: pod.Name, uid: pod.UID})
	}

	return waitForTermination(ctx, client, targets)
}

// skipDuringDrain reports pods a drain must leave alone. DaemonSet pods come
// straight back, mirror pods belong to the kubelet rather than the API
// server, and finished pods have nothing left to evict.
func skipDuringDrain(pod *corev1.Pod) bool {
	if _, mirror := pod.Annotations[corev1.MirrorPodAnnotationKey]; mirror {
		return true
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

// evictPod requests eviction, retrying while a PodDisruptionBudget says no.
func evictPod(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}
	for {
		err := client.PolicyV1().Evictions(namespace).Evict(ctx, eviction)
		if err == nil || apierrors.IsNotFound(err) {
			return nil
		}
		if !apierrors.IsTooManyRequests(err) {
			return fmt.Errorf("failed to evict pod %s/%s: %w", namespace, name, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up evicting pod %s/%s: %w", namespace, name, ctx.Err())
		case <-time.After(drainPollInterval):
		}
	}
}

func waitForTermination(ctx context.Context, client kubernetes.Interface, targets []evictedPod) error {
	for {
		remaining := 0
		for _, target := range targets {
			pod, err := client.CoreV1().Pods(target.namespace).Get(ctx, target.name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to check pod %s/%s: %w", target.namespace, target.name, err)
			}
			// A new pod under the same name is not the one we evicted
			if pod.UID == target.uid {
				remaining++
			}
		}
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %d pods to terminate", remaining)
		case <-time.After(drainPollInterval):
		}
	}
}
