package handlers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/console/pkg/k8s"
	"github.com/quarterdeck-io/console/pkg/models"
	"github.com/quarterdeck-io/console/pkg/test"
)

func setupPortForwardRoutes(t *testing.T) (*testEnv, *k8s.PortForwardManager) {
	t.Helper()

	env := setupTestEnv(t)
	forwards := k8s.NewPortForwardManager(env.Clusters, env.Store)
	forwards.SetDialer(stubDialer(41001))
	t.Cleanup(forwards.StopAll)

	handler := NewPortForwardHandler(forwards)
	env.App.Post("/portforward", handler.Start)
	env.App.Get("/portforward", handler.Get)
	env.App.Get("/portforward/list", handler.List)
	env.App.Delete("/portforward", handler.StopOrDelete)
	return env, forwards
}

func TestPortForwardLifecycle(t *testing.T) {
	env, _ := setupPortForwardRoutes(t)

	// Case 1: start a forward to a pod.
	resp := doJSONRequest(t, env.App, "POST", "/portforward", models.PortForwardRequest{
		Cluster:    "test-cluster",
		Namespace:  "default",
		Pod:        "web-0",
		TargetPort: "8080",
	})
	require.Equal(t, 200, resp.StatusCode)

	var started models.PortForward
	decodeBody(t, resp, &started)
	require.NotEmpty(t, started.ID)
	assert.Equal(t, models.PortForwardRunning, started.Status)
	assert.Equal(t, "41001", started.Port)

	// Case 2: it shows up in the listing.
	resp = doJSONRequest(t, env.App, "GET", "/portforward/list?cluster=test-cluster", nil)
	require.Equal(t, 200, resp.StatusCode)

	var listed []models.PortForward
	decodeBody(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, started.ID, listed[0].ID)

	// Case 3: stopping keeps the record but flips the status.
	resp = doJSONRequest(t, env.App, "DELETE", "/portforward", models.PortForwardStopRequest{
		Cluster:      "test-cluster",
		ID:           started.ID,
		StopOrDelete: true,
	})
	require.Equal(t, 200, resp.StatusCode)

	var stopped map[string]string
	decodeBody(t, resp, &stopped)
	assert.Equal(t, "stopped", stopped["status"])

	resp = doJSONRequest(t, env.App, "GET", "/portforward?cluster=test-cluster&id="+started.ID, nil)
	require.Equal(t, 200, resp.StatusCode)

	var fetched models.PortForward
	decodeBody(t, resp, &fetched)
	assert.Equal(t, models.PortForwardStopped, fetched.Status)

	// Case 4: deleting removes the record entirely.
	resp = doJSONRequest(t, env.App, "DELETE", "/portforward", models.PortForwardStopRequest{
		Cluster: "test-cluster",
		ID:      started.ID,
	})
	require.Equal(t, 200, resp.StatusCode)

	var deleted map[string]string
	decodeBody(t, resp, &deleted)
	assert.Equal(t, "deleted", deleted["status"])

	resp = doJSONRequest(t, env.App, "GET", "/portforward/list?cluster=test-cluster", nil)
	require.Equal(t, 200, resp.StatusCode)
	listed = nil
	decodeBody(t, resp, &listed)
	assert.Empty(t, listed)
}

func TestStartPortForwardValidation(t *testing.T) {
	env, _ := setupPortForwardRoutes(t)

	// Missing cluster.
	resp := doJSONRequest(t, env.App, "POST", "/portforward", models.PortForwardRequest{
		Pod:        "web-0",
		TargetPort: "8080",
	})
	assert.Equal(t, 400, resp.StatusCode)

	// Neither pod nor service.
	resp = doJSONRequest(t, env.App, "POST", "/portforward", models.PortForwardRequest{
		Cluster:    "test-cluster",
		Namespace:  "default",
		TargetPort: "8080",
	})
	assert.Equal(t, 400, resp.StatusCode)

	// Missing target port.
	resp = doJSONRequest(t, env.App, "POST", "/portforward", models.PortForwardRequest{
		Cluster:   "test-cluster",
		Namespace: "default",
		Pod:       "web-0",
	})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestStartPortForwardConflict(t *testing.T) {
	env, _ := setupPortForwardRoutes(t)

	resp := doJSONRequest(t, env.App, "POST", "/portforward", models.PortForwardRequest{
		ID:         "pf-1",
		Cluster:    "test-cluster",
		Namespace:  "default",
		Pod:        "web-0",
		TargetPort: "8080",
	})
	require.Equal(t, 200, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "POST", "/portforward", models.PortForwardRequest{
		ID:         "pf-1",
		Cluster:    "test-cluster",
		Namespace:  "default",
		Pod:        "web-0",
		TargetPort: "8080",
	})
	assert.Equal(t, 409, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "already running")
}

func TestStopPortForwardNotFound(t *testing.T) {
	env, _ := setupPortForwardRoutes(t)

	resp := doJSONRequest(t, env.App, "DELETE", "/portforward", models.PortForwardStopRequest{
		Cluster:      "test-cluster",
		ID:           "ghost",
		StopOrDelete: true,
	})
	assert.Equal(t, 404, resp.StatusCode)
}

func TestGetPortForwardRequiresParams(t *testing.T) {
	env, _ := setupPortForwardRoutes(t)

	resp := doJSONRequest(t, env.App, "GET", "/portforward?cluster=test-cluster", nil)
	assert.Equal(t, 400, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "GET", "/portforward/list", nil)
	assert.Equal(t, 400, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "GET", "/portforward?cluster=test-cluster&id=ghost", nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestListPortForwardsStoreFailure(t *testing.T) {
	env := setupTestEnv(t)

	mockStore := new(test.MockStore)
	mockStore.On("MarkStalePortForwardsStopped").Return(nil)
	mockStore.On("ListPortForwards", "test-cluster").Return(nil, errors.New("database is locked"))

	handler := NewPortForwardHandler(k8s.NewPortForwardManager(env.Clusters, mockStore))
	env.App.Get("/portforward/list", handler.List)

	resp := doJSONRequest(t, env.App, "GET", "/portforward/list?cluster=test-cluster", nil)
	assert.Equal(t, 500, resp.StatusCode)
	mockStore.AssertExpectations(t)
}
