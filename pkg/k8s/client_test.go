package k8s

import (
	"path/filepath"
	"testing"
	"time"

	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

func writeTestKubeconfig(t *testing.T, path string, contexts map[string]string) {
	t.Helper()

	cfg := api.Config{
		Clusters:  map[string]*api.Cluster{},
		AuthInfos: map[string]*api.AuthInfo{"u1": {Token: "t"}},
		Contexts:  map[string]*api.Context{},
	}
	for name, server := range contexts {
		cluster := "cluster-" + name
		cfg.Clusters[cluster] = &api.Cluster{Server: server, InsecureSkipTLSVerify: true}
		cfg.Contexts[name] = &api.Context{Cluster: cluster, AuthInfo: "u1", Namespace: "team-a"}
		if cfg.CurrentContext == "" {
			cfg.CurrentContext = name
		}
	}

	if err := clientcmd.WriteToFile(cfg, path); err != nil {
		t.Fatalf("WriteToFile failed: %v", err)
	}
}

func TestGetClientReturnsInjectedClient(t *testing.T) {
	m, err := NewMultiClusterClient(filepath.Join(t.TempDir(), "kubeconfig"))
	if err != nil {
		t.Fatalf("NewMultiClusterClient failed: %v", err)
	}

	fakeClient := k8sfake.NewSimpleClientset()
	m.SetClient("test-ctx", fakeClient)

	retrieved, err := m.GetClient("test-ctx")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if retrieved != fakeClient {
		t.Error("GetClient did not return the injected client")
	}
}

func TestListClusters(t *testing.T) {
	rawConfig := &api.Config{
		CurrentContext: "cluster-1",
		Contexts: map[string]*api.Context{
			"cluster-2": {Cluster: "c2", AuthInfo: "u2"},
			"cluster-1": {Cluster: "c1", AuthInfo: "u1", Namespace: "team-a"},
		},
		Clusters: map[string]*api.Cluster{
			"c1": {Server: "https://c1.example.com"},
			"c2": {Server: "https://c2.example.com"},
		},
	}

	m, _ := NewMultiClusterClient(filepath.Join(t.TempDir(), "kubeconfig"))
	m.SetRawConfig(rawConfig)

	clusters, err := m.ListClusters()
	if err != nil {
		t.Fatalf("ListClusters failed: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("Got %d clusters, want 2", len(clusters))
	}

	// Sorted by name
	if clusters[0].Name != "cluster-1" || clusters[1].Name != "cluster-2" {
		t.Errorf("Unexpected order: %s, %s", clusters[0].Name, clusters[1].Name)
	}
	if clusters[0].Server != "https://c1.example.com" {
		t.Errorf("Expected server https://c1.example.com, got %s", clusters[0].Server)
	}
	if clusters[0].Namespace != "team-a" {
		t.Errorf("Expected namespace team-a, got %s", clusters[0].Namespace)
	}
}

func TestListClustersInCluster(t *testing.T) {
	m := &MultiClusterClient{
		inClusterConfig: &rest.Config{Host: "https://kubernetes.default"},
	}

	if !m.IsInCluster() {
		t.Error("IsInCluster should be true when inClusterConfig is set")
	}

	clusters, err := m.ListClusters()
	if err != nil {
		t.Fatalf("ListClusters failed: %v", err)
	}

	found := false
	for _, c := range clusters {
		if c.Name == "in-cluster" {
			found = true
			if c.Server != "https://kubernetes.default" {
				t.Errorf("In-cluster server mismatch: %s", c.Server)
			}
		}
	}
	if !found {
		t.Error("ListClusters did not return the in-cluster entry")
	}
}

func TestHasCluster(t *testing.T) {
	m, _ := NewMultiClusterClient(filepath.Join(t.TempDir(), "kubeconfig"))
	m.SetRawConfig(&api.Config{
		Contexts: map[string]*api.Context{
			"known": {Cluster: "c1"},
		},
	})

	if !m.HasCluster("known") {
		t.Error("Expected known context to be routable")
	}
	if m.HasCluster("unknown") {
		t.Error("Unknown context must not be routable")
	}
	if m.HasCluster("in-cluster") {
		t.Error("in-cluster is not routable without an in-cluster config")
	}
}

func TestGetDynamicClientReturnsInjectedClient(t *testing.T) {
	m, _ := NewMultiClusterClient(filepath.Join(t.TempDir(), "kubeconfig"))

	fakeDyn := dynamicfake.NewSimpleDynamicClient(k8sruntime.NewScheme())
	m.SetDynamicClient("test-dyn", fakeDyn)

	retrieved, err := m.GetDynamicClient("test-dyn")
	if err != nil {
		t.Fatalf("GetDynamicClient failed: %v", err)
	}
	if retrieved != fakeDyn {
		t.Error("GetDynamicClient did not return injected client")
	}
}

func TestConcurrentGetClient(t *testing.T) {
	m, _ := NewMultiClusterClient(filepath.Join(t.TempDir(), "kubeconfig"))
	m.SetClient("ctx", k8sfake.NewSimpleClientset())

	concurrency := 10
	errCh := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			_, err := m.GetClient("ctx")
			errCh <- err
		}()
	}

	for i := 0; i < concurrency; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("Concurrent GetClient failed: %v", err)
		}
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	writeTestKubeconfig(t, path, map[string]string{"staging": "https://staging.example.com"})

	m, err := NewMultiClusterClient(path)
	if err != nil {
		t.Fatalf("NewMultiClusterClient failed: %v", err)
	}
	if err := m.LoadConfig(); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	clusters, err := m.ListClusters()
	if err != nil {
		t.Fatalf("ListClusters failed: %v", err)
	}
	if len(clusters) != 1 || clusters[0].Name != "staging" {
		t.Errorf("Unexpected clusters: %+v", clusters)
	}
	if !m.HasCluster("staging") {
		t.Error("Loaded context should be routable")
	}
}

func TestKubeconfigWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	writeTestKubeconfig(t, path, map[string]string{"staging": "https://staging.example.com"})

	m, err := NewMultiClusterClient(path)
	if err != nil {
		t.Fatalf("NewMultiClusterClient failed: %v", err)
	}
	if err := m.LoadConfig(); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	reloaded := make(chan struct{}, 1)
	m.SetOnReload(func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	if err := m.StartWatching(); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	defer m.StopWatching()

	writeTestKubeconfig(t, path, map[string]string{
		"staging": "https://staging.example.com",
		"prod":    "https://prod.example.com",
	})

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("Kubeconfig change was never picked up")
	}

	clusters, err := m.ListClusters()
	if err != nil {
		t.Fatalf("ListClusters failed: %v", err)
	}
	if len(clusters) != 2 {
		t.Errorf("Expected 2 clusters after reload, got %d", len(clusters))
	}
}

func TestProxyTargetCachesTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	writeTestKubeconfig(t, path, map[string]string{"staging": "https://staging.example.com"})

	m, err := NewMultiClusterClient(path)
	if err != nil {
		t.Fatalf("NewMultiClusterClient failed: %v", err)
	}

	base, tr, err := m.ProxyTarget("staging")
	if err != nil {
		t.Fatalf("ProxyTarget failed: %v", err)
	}
	if base.Host != "staging.example.com" {
		t.Errorf("Unexpected base host: %s", base.Host)
	}
	if tr == nil {
		t.Fatal("Expected a transport")
	}

	_, tr2, err := m.ProxyTarget("staging")
	if err != nil {
		t.Fatalf("Second ProxyTarget failed: %v", err)
	}
	if tr2 != tr {
		t.Error("Transport should be cached per context")
	}
}
