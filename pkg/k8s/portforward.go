package k8s

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/quarterdeck-io/console/pkg/models"
	"github.com/quarterdeck-io/console/pkg/store"
)

const portForwardReadyTimeout = 30 * time.Second

// Forwarder is the slice of portforward.PortForwarder the manager needs.
type Forwarder interface {
	ForwardPorts() error
	GetPorts() ([]portforward.ForwardedPort, error)
}

// ForwardDialer opens a tunnel to one pod. Injectable for tests.
type ForwardDialer func(cluster string, client kubernetes.Interface, namespace, pod string, ports []string, stopCh, readyCh chan struct{}) (Forwarder, error)

// PortForwardManager owns every forwarding session the gateway runs. Records
// live in the store so stopped sessions stay listable across restarts; live
// tunnels are tracked in memory because they die with the process.
type PortForwardManager struct {
	clusters *MultiClusterClient
	store    store.Store
	dial     ForwardDialer

	mu       sync.Mutex
	sessions map[string]*forwardSession
}

type forwardSession struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (f *forwardSession) close() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// NewPortForwardManager creates a manager backed by the given store. Records
// left running by a previous process are flipped to stopped first.
func NewPortForwardManager(clusters *MultiClusterClient, st store.Store) *PortForwardManager {
	if err := st.MarkStalePortForwardsStopped(); err != nil {
		zlog.Warn().Err(err).Msg("could not reset stale port forward records")
	}
	m := &PortForwardManager{
		clusters: clusters,
		store:    st,
		sessions: make(map[string]*forwardSession),
	}
	m.dial = m.spdyForward
	return m
}

// SetDialer injects the tunnel constructor (for testing)
func (m *PortForwardManager) SetDialer(dial ForwardDialer) {
	m.dial = dial
}

func sessionKey(cluster, id string) string {
	return cluster + "/" + id
}

// spdyForward opens a SPDY tunnel through the pod's portforward subresource.
func (m *PortForwardManager) spdyForward(cluster string, client kubernetes.Interface, namespace, pod string, ports []string, stopCh, readyCh chan struct{}) (Forwarder, error) {
	restConfig, err := m.clusters.GetRestConfig(cluster)
	if err != nil {
		return nil, err
	}

	req := client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("portforward")

	roundTripper, upgrader, err := spdy.RoundTripperFor(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create round tripper: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: roundTripper}, http.MethodPost, req.URL())

	return portforward.New(dialer, ports, stopCh, readyCh, io.Discard, io.Discard)
}

// Start begins forwarding and returns once the tunnel is ready. Reusing the
// ID of a stopped session restarts it under the same record; the stored
// coordinates are kept unless the request overrides them.
func (m *PortForwardManager) Start(ctx context.Context, req models.PortForwardRequest) (*models.PortForward, error) {
	if req.Cluster == "" {
		return nil, fmt.Errorf("%w: cluster is required", ErrInvalidRequest)
	}

	record := &models.PortForward{
		ID:               req.ID,
		Cluster:          req.Cluster,
		Namespace:        req.Namespace,
		Pod:              req.Pod,
		Service:          req.Service,
		ServiceNamespace: req.ServiceNamespace,
		TargetPort:       req.TargetPort,
		Port:             req.Port,
		CreatedAt:        time.Now().UTC(),
	}

	if req.ID == "" {
		record.ID = uuid.NewString()
	} else {
		existing, err := m.store.GetPortForward(req.Cluster, req.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Status == models.PortForwardRunning && m.liveSession(req.Cluster, req.ID) != nil {
				return nil, fmt.Errorf("port forward %s: %w", req.ID, ErrSessionRunning)
			}
			merged := *existing
			if req.Namespace != "" {
				merged.Namespace = req.Namespace
			}
			if req.Pod != "" {
				merged.Pod = req.Pod
			}
			if req.TargetPort != "" {
				merged.TargetPort = req.TargetPort
			}
			if req.Port != "" {
				merged.Port = req.Port
			}
			record = &merged
		}
	}

	// Validate after the merge so a restart request can name just the ID
	if record.Pod == "" && record.Service == "" {
		return nil, fmt.Errorf("%w: pod or service is required", ErrInvalidRequest)
	}
	if record.TargetPort == "" {
		return nil, fmt.Errorf("%w: targetPort is required", ErrInvalidRequest)
	}

	client, err := m.clusters.GetClient(record.Cluster)
	if err != nil {
		return nil, err
	}

	if record.Pod == "" {
		ns := record.ServiceNamespace
		if ns == "" {
			ns = record.Namespace
		}
		pod, err := resolveServicePod(ctx, client, ns, record.Service)
		if err != nil {
			return nil, err
		}
		record.Pod = pod
		if record.Namespace == "" {
			record.Namespace = ns
		}
	}

	localPort := record.Port
	if localPort == "" {
		localPort = "0"
	}
	ports := []string{localPort + ":" + record.TargetPort}

	stopCh := make(chan struct{}, 1)
	readyCh := make(chan struct{}, 1)

	fw, err := m.dial(record.Cluster, client, record.Namespace, record.Pod, ports, stopCh, readyCh)
	if err != nil {
		return nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fw.ForwardPorts()
	}()

	select {
	case <-readyCh:
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("forwarder exited before becoming ready")
		}
		record.Status = models.PortForwardFailed
		record.Error = err.Error()
		if saveErr := m.store.SavePortForward(record); saveErr != nil {
			zlog.Error().Err(saveErr).Str("id", record.ID).Msg("could not record failed port forward")
		}
		return nil, fmt.Errorf("port forwarding failed: %w", err)
	case <-ctx.Done():
		close(stopCh)
		return nil, ctx.Err()
	case <-time.After(portForwardReadyTimeout):
		close(stopCh)
		return nil, fmt.Errorf("timed out waiting for port forward to become ready")
	}

	if record.Port == "" || record.Port == "0" {
		if fwdPorts, err := fw.GetPorts(); err == nil && len(fwdPorts) > 0 {
			record.Port = strconv.Itoa(int(fwdPorts[0].Local))
		}
	}

	record.Status = models.PortForwardRunning
	record.Error = ""
	if err := m.store.SavePortForward(record); err != nil {
		close(stopCh)
		return nil, err
	}

	sess := &forwardSession{stop: stopCh}
	m.mu.Lock()
	m.sessions[sessionKey(record.Cluster, record.ID)] = sess
	m.mu.Unlock()
	activePortForwards.Inc()

	go m.monitor(record.Cluster, record.ID, sess, errCh)

	zlog.Info().
		Str("cluster", record.Cluster).
		Str("pod", record.Namespace+"/"+record.Pod).
		Str("port", record.Port+":"+record.TargetPort).
		Msg("port forward started")

	out := *record
	return &out, nil
}

// monitor reconciles the record when the forwarder exits. A stop through
// Stop already wrote the stopped status; only running records are touched.
func (m *PortForwardManager) monitor(cluster, id string, sess *forwardSession, errCh <-chan error) {
	err := <-errCh
	activePortForwards.Dec()

	m.mu.Lock()
	if m.sessions[sessionKey(cluster, id)] == sess {
		delete(m.sessions, sessionKey(cluster, id))
	}
	m.mu.Unlock()

	record, getErr := m.store.GetPortForward(cluster, id)
	if getErr != nil || record == nil || record.Status != models.PortForwardRunning {
		return
	}

	if err != nil {
		zlog.Warn().Err(err).Str("cluster", cluster).Str("id", id).Msg("port forward ended with error")
		record.Status = models.PortForwardFailed
		record.Error = err.Error()
	} else {
		record.Status = models.PortForwardStopped
	}
	if saveErr := m.store.SavePortForward(record); saveErr != nil {
		zlog.Error().Err(saveErr).Str("id", id).Msg("could not update port forward record")
	}
}

// Stop shuts the tunnel down. With deleteRecord the stored session vanishes
// from listings; otherwise it stays visible as stopped and can be restarted.
// Stopping a session that is not running only touches the record.
func (m *PortForwardManager) Stop(cluster, id string, deleteRecord bool) error {
	record, err := m.store.GetPortForward(cluster, id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("port forward %s: %w", id, ErrSessionNotFound)
	}

	m.mu.Lock()
	sess := m.sessions[sessionKey(cluster, id)]
	delete(m.sessions, sessionKey(cluster, id))
	m.mu.Unlock()
	if sess != nil {
		sess.close()
	}

	if deleteRecord {
		return m.store.DeletePortForward(cluster, id)
	}

	if record.Status == models.PortForwardRunning {
		record.Status = models.PortForwardStopped
		record.Error = ""
		return m.store.SavePortForward(record)
	}
	return nil
}

// Get returns a single session record.
func (m *PortForwardManager) Get(cluster, id string) (*models.PortForward, error) {
	record, err := m.store.GetPortForward(cluster, id)
	if err != nil || record == nil {
		return record, err
	}
	m.reconcile(record)
	return record, nil
}

// List returns the stored sessions for a cluster. Stopped sessions stay in
// the list; deleted ones do not appear at all.
func (m *PortForwardManager) List(cluster string) ([]models.PortForward, error) {
	records, err := m.store.ListPortForwards(cluster)
	if err != nil {
		return nil, err
	}
	for i := range records {
		m.reconcile(&records[i])
	}
	return records, nil
}

// reconcile downgrades a running record with no live tunnel to stopped.
func (m *PortForwardManager) reconcile(record *models.PortForward) {
	if record.Status != models.PortForwardRunning {
		return
	}
	if m.liveSession(record.Cluster, record.ID) == nil {
		record.Status = models.PortForwardStopped
	}
}

func (m *PortForwardManager) liveSession(cluster, id string) *forwardSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(cluster, id)]
}

// StopAll closes every live tunnel. Used on shutdown.
func (m *PortForwardManager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*forwardSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// resolveServicePod picks a running pod behind the service's selector.
func resolveServicePod(ctx context.Context, client kubernetes.Interface, namespace, serviceName string) (string, error) {
	service, err := client.CoreV1().Services(namespace).Get(ctx, serviceName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("service %s/%s not found: %w", namespace, serviceName, err)
	}

	if len(service.Spec.Selector) == 0 {
		return "", fmt.Errorf("service %s/%s has no selector", namespace, serviceName)
	}

	labelSelector := metav1.FormatLabelSelector(&metav1.LabelSelector{
		MatchLabels: service.Spec.Selector,
	})
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return "", fmt.Errorf("failed to list pods for service %s/%s: %w", namespace, serviceName, err)
	}

	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	return "", fmt.Errorf("no running pods found for service %s/%s", namespace, serviceName)
}
