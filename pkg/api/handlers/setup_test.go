package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"k8s.io/client-go/kubernetes"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/portforward"

	"github.com/quarterdeck-io/console/pkg/k8s"
	"github.com/quarterdeck-io/console/pkg/store"
)

type testEnv struct {
	App      *fiber.App
	Store    store.Store
	Clusters *k8s.MultiClusterClient
	Fake     *k8sfake.Clientset
}

// setupTestEnv creates a fresh fiber app, a sqlite store in a temp dir, and a
// cluster client with a fake "test-cluster" injected.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clusters, err := k8s.NewMultiClusterClient(filepath.Join(t.TempDir(), "kubeconfig"))
	if err != nil {
		t.Fatalf("NewMultiClusterClient failed: %v", err)
	}
	fake := k8sfake.NewSimpleClientset()
	clusters.SetClient("test-cluster", fake)

	return &testEnv{App: fiber.New(), Store: db, Clusters: clusters, Fake: fake}
}

// stubForwarder stands in for a SPDY tunnel: ready immediately, open until
// stopped.
type stubForwarder struct {
	stop  chan struct{}
	ready chan struct{}
	local uint16
}

func (f *stubForwarder) ForwardPorts() error {
	close(f.ready)
	<-f.stop
	return nil
}

func (f *stubForwarder) GetPorts() ([]portforward.ForwardedPort, error) {
	return []portforward.ForwardedPort{{Local: f.local, Remote: 8080}}, nil
}

func stubDialer(local uint16) k8s.ForwardDialer {
	return func(cluster string, client kubernetes.Interface, namespace, pod string, ports []string, stopCh, readyCh chan struct{}) (k8s.Forwarder, error) {
		return &stubForwarder{stop: stopCh, ready: readyCh, local: local}, nil
	}
}

func doJSONRequest(t *testing.T, app *fiber.App, method, target string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}
