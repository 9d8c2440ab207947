package k8s

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"

	"github.com/quarterdeck-io/console/pkg/models"
)

const (
	k8sClientTimeout       = 45 * time.Second
	kubeconfigDebounce     = 500 * time.Millisecond
	kubeconfigPollInterval = 5 * time.Second
)

// MultiClusterClient manages connections to every cluster the kubeconfig
// names. Clients, rest configs, and proxy transports are built lazily per
// context and cached until the kubeconfig changes on disk, at which point
// all caches are dropped and rebuilt on demand.
type MultiClusterClient struct {
	mu              sync.RWMutex
	kubeconfig      string
	clients         map[string]kubernetes.Interface
	dynamicClients  map[string]dynamic.Interface
	configs         map[string]*rest.Config
	transports      map[string]http.RoundTripper
	rawConfig       *api.Config
	inClusterConfig *rest.Config
	watcher         *fsnotify.Watcher
	stopWatch       chan struct{}
	onReload        func()
}

// NewMultiClusterClient creates a client for the given kubeconfig path.
// An empty path falls back to $KUBECONFIG and then ~/.kube/config. When no
// kubeconfig file exists at all, the in-cluster service account config is
// used if available.
func NewMultiClusterClient(kubeconfig string) (*MultiClusterClient, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	m := &MultiClusterClient{
		kubeconfig:     kubeconfig,
		clients:        make(map[string]kubernetes.Interface),
		dynamicClients: make(map[string]dynamic.Interface),
		configs:        make(map[string]*rest.Config),
		transports:     make(map[string]http.RoundTripper),
	}

	if _, err := os.Stat(kubeconfig); os.IsNotExist(err) {
		if inClusterConfig, err := rest.InClusterConfig(); err == nil {
			zlog.Info().Msg("no kubeconfig file found, using in-cluster config")
			m.inClusterConfig = inClusterConfig
		}
	}

	return m, nil
}

// IsInCluster reports whether the gateway is running inside a cluster with a
// usable service account config.
func (m *MultiClusterClient) IsInCluster() bool {
	return m.inClusterConfig != nil
}

// SetClient injects a typed client for a cluster (for testing)
func (m *MultiClusterClient) SetClient(cluster string, client kubernetes.Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[cluster] = client
}

// SetDynamicClient injects a dynamic client for a cluster (for testing)
func (m *MultiClusterClient) SetDynamicClient(cluster string, client dynamic.Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dynamicClients[cluster] = client
}

// SetRawConfig sets the raw kubeconfig (for testing)
func (m *MultiClusterClient) SetRawConfig(config *api.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawConfig = config
}

// LoadConfig loads the kubeconfig from disk and drops every cached client so
// the next call per context picks up the new contents.
func (m *MultiClusterClient) LoadConfig() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inClusterConfig != nil {
		if _, err := os.Stat(m.kubeconfig); os.IsNotExist(err) {
			m.rawConfig = nil
			m.resetCachesLocked()
			return nil
		}
	}

	config, err := clientcmd.LoadFromFile(m.kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	m.rawConfig = config
	m.resetCachesLocked()
	return nil
}

func (m *MultiClusterClient) resetCachesLocked() {
	m.clients = make(map[string]kubernetes.Interface)
	m.dynamicClients = make(map[string]dynamic.Interface)
	m.configs = make(map[string]*rest.Config)
	m.transports = make(map[string]http.RoundTripper)
}

// StartWatching starts watching the kubeconfig file for changes.
// Uses fsnotify for instant detection plus a polling fallback every 5s
// to catch changes that fsnotify misses (common on macOS after atomic writes).
func (m *MultiClusterClient) StartWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	m.watcher = watcher
	m.stopWatch = make(chan struct{})

	if err := watcher.Add(m.kubeconfig); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch kubeconfig: %w", err)
	}

	// Also watch the directory (for editors that do atomic saves)
	dir := filepath.Dir(m.kubeconfig)
	if err := watcher.Add(dir); err != nil {
		zlog.Warn().Err(err).Str("dir", dir).Msg("could not watch kubeconfig directory")
	}

	go m.watchLoop()
	zlog.Info().Str("path", m.kubeconfig).Msg("watching kubeconfig for changes")
	return nil
}

// reloadAndNotify reloads the kubeconfig and notifies listeners.
// After a successful reload, it re-adds the file to the watcher to handle
// inode changes from atomic writes (old inode watch becomes stale).
func (m *MultiClusterClient) reloadAndNotify() {
	if err := m.LoadConfig(); err != nil {
		zlog.Error().Err(err).Msg("error reloading kubeconfig")
		return
	}
	zlog.Info().Msg("kubeconfig reloaded")

	if m.watcher != nil {
		_ = m.watcher.Remove(m.kubeconfig)
		if err := m.watcher.Add(m.kubeconfig); err != nil {
			zlog.Warn().Err(err).Msg("could not re-watch kubeconfig file")
		}
	}

	m.mu.RLock()
	callback := m.onReload
	m.mu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (m *MultiClusterClient) watchLoop() {
	// Debounce so editors writing in several bursts trigger one reload
	var debounceTimer *time.Timer

	pollTicker := time.NewTicker(kubeconfigPollInterval)
	defer pollTicker.Stop()
	var lastModTime time.Time
	if info, err := os.Stat(m.kubeconfig); err == nil {
		lastModTime = info.ModTime()
	}

	triggerReload := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(kubeconfigDebounce, m.reloadAndNotify)
	}

	for {
		select {
		case <-m.stopWatch:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name == m.kubeconfig || filepath.Base(event.Name) == filepath.Base(m.kubeconfig) {
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if info, err := os.Stat(m.kubeconfig); err == nil {
						lastModTime = info.ModTime()
					}
					triggerReload()
				}
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn().Err(err).Msg("kubeconfig watcher error")
		case <-pollTicker.C:
			info, err := os.Stat(m.kubeconfig)
			if err != nil {
				continue
			}
			if info.ModTime() != lastModTime {
				lastModTime = info.ModTime()
				zlog.Debug().Msg("kubeconfig change detected by poll")
				triggerReload()
			}
		}
	}
}

// StopWatching stops watching the kubeconfig file
func (m *MultiClusterClient) StopWatching() {
	if m.stopWatch != nil {
		close(m.stopWatch)
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// SetOnReload sets a callback invoked after each successful kubeconfig reload
func (m *MultiClusterClient) SetOnReload(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = callback
}

// ListClusters returns every cluster the gateway can route to, sorted by name.
func (m *MultiClusterClient) ListClusters() ([]models.ClusterInfo, error) {
	m.mu.RLock()
	rawConfig := m.rawConfig
	inClusterConfig := m.inClusterConfig
	m.mu.RUnlock()

	if rawConfig == nil && inClusterConfig == nil {
		if err := m.LoadConfig(); err != nil {
			return nil, err
		}
		m.mu.RLock()
		rawConfig = m.rawConfig
		inClusterConfig = m.inClusterConfig
		m.mu.RUnlock()
	}

	var clusters []models.ClusterInfo

	if inClusterConfig != nil {
		clusters = append(clusters, models.ClusterInfo{
			Name:   "in-cluster",
			Server: inClusterConfig.Host,
		})
	}

	if rawConfig != nil {
		for contextName, contextInfo := range rawConfig.Contexts {
			server := ""
			if clusterInfo, ok := rawConfig.Clusters[contextInfo.Cluster]; ok {
				server = clusterInfo.Server
			}
			clusters = append(clusters, models.ClusterInfo{
				Name:      contextName,
				Server:    server,
				Namespace: contextInfo.Namespace,
			})
		}
	}

	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Name < clusters[j].Name
	})
	return clusters, nil
}

// HasCluster reports whether contextName is a routable cluster.
func (m *MultiClusterClient) HasCluster(contextName string) bool {
	m.mu.RLock()
	rawConfig := m.rawConfig
	inCluster := m.inClusterConfig != nil
	m.mu.RUnlock()

	if contextName == "in-cluster" && inCluster {
		return true
	}
	if rawConfig == nil {
		return false
	}
	_, ok := rawConfig.Contexts[contextName]
	return ok
}

// GetClient returns a kubernetes client for the specified context
func (m *MultiClusterClient) GetClient(contextName string) (kubernetes.Interface, error) {
	m.mu.RLock()
	if client, ok := m.clients[contextName]; ok {
		m.mu.RUnlock()
		return client, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := m.clients[contextName]; ok {
		return client, nil
	}

	config, err := m.configForLocked(contextName)
	if err != nil {
		return nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for context %s: %w", contextName, err)
	}

	m.clients[contextName] = client
	return client, nil
}

// GetDynamicClient returns a dynamic kubernetes client for the specified context
func (m *MultiClusterClient) GetDynamicClient(contextName string) (dynamic.Interface, error) {
	m.mu.RLock()
	if client, ok := m.dynamicClients[contextName]; ok {
		m.mu.RUnlock()
		return client, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.dynamicClients[contextName]; ok {
		return client, nil
	}

	config, err := m.configForLocked(contextName)
	if err != nil {
		return nil, err
	}

	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client for context %s: %w", contextName, err)
	}

	m.dynamicClients[contextName] = client
	return client, nil
}

// GetRestConfig returns a copy of the REST config for the specified context.
func (m *MultiClusterClient) GetRestConfig(contextName string) (*rest.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	config, err := m.configForLocked(contextName)
	if err != nil {
		return nil, err
	}
	return rest.CopyConfig(config), nil
}

// ProxyTarget returns the API server base URL and an authenticated transport
// for the context. The transport owns TLS and credential handling; callers
// only supply paths and bodies.
func (m *MultiClusterClient) ProxyTarget(contextName string) (*url.URL, http.RoundTripper, error) {
	m.mu.RLock()
	tr, haveTr := m.transports[contextName]
	m.mu.RUnlock()

	config, err := m.GetRestConfig(contextName)
	if err != nil {
		return nil, nil, err
	}

	base, err := url.Parse(config.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("bad API server URL for context %s: %w", contextName, err)
	}

	if !haveTr {
		// The per-request deadline comes from the request context, not the
		// rest config, so the transport must not carry its own timeout.
		config.Timeout = 0
		tr, err = rest.TransportFor(config)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build transport for context %s: %w", contextName, err)
		}
		m.mu.Lock()
		m.transports[contextName] = tr
		m.mu.Unlock()
	}

	return base, tr, nil
}

// configForLocked resolves the rest config for a context, caching it.
// Callers must hold the write lock.
func (m *MultiClusterClient) configForLocked(contextName string) (*rest.Config, error) {
	if config, ok := m.configs[contextName]; ok {
		return config, nil
	}

	var config *rest.Config
	var err error

	if contextName == "in-cluster" && m.inClusterConfig != nil {
		config = rest.CopyConfig(m.inClusterConfig)
	} else {
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: m.kubeconfig},
			&clientcmd.ConfigOverrides{CurrentContext: contextName},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get config for context %s: %w", contextName, err)
		}
	}

	// Large clusters can return multi-megabyte list payloads over slow links
	config.Timeout = k8sClientTimeout

	m.configs[contextName] = config
	return config, nil
}
