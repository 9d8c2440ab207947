package handlers

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/console/pkg/helm"
	"github.com/quarterdeck-io/console/pkg/models"
)

func setupHelmRepoRoutes(t *testing.T) *testEnv {
	t.Helper()

	env := setupTestEnv(t)
	handler := NewHelmRepoHandler(helm.NewManager(filepath.Join(t.TempDir(), "repositories.yaml")))
	env.App.Get("/helm/repositories", handler.List)
	env.App.Post("/helm/repositories", handler.Add)
	env.App.Put("/helm/repositories", handler.Update)
	env.App.Delete("/helm/repositories", handler.Remove)
	return env
}

// chartIndexServer serves a minimal valid repository index.
func chartIndexServer(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.yaml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("apiVersion: v1\nentries: {}\n"))
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestHelmRepoEndpoints(t *testing.T) {
	env := setupHelmRepoRoutes(t)
	repoURL := chartIndexServer(t)

	// Case 1: empty listing before anything is added.
	resp := doJSONRequest(t, env.App, "GET", "/helm/repositories", nil)
	require.Equal(t, 200, resp.StatusCode)

	var listed models.ListRepoResponse
	decodeBody(t, resp, &listed)
	assert.Empty(t, listed.Repositories)

	// Case 2: add a repository with a reachable index.
	resp = doJSONRequest(t, env.App, "POST", "/helm/repositories", models.AddUpdateRepoRequest{
		Name: "bitnami",
		URL:  repoURL,
	})
	require.Equal(t, 200, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "GET", "/helm/repositories", nil)
	require.Equal(t, 200, resp.StatusCode)
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Repositories, 1)
	assert.Equal(t, "bitnami", listed.Repositories[0].Name)
	assert.Equal(t, repoURL, listed.Repositories[0].URL)

	// Case 3: update rewrites the URL without validating the index.
	resp = doJSONRequest(t, env.App, "PUT", "/helm/repositories", models.AddUpdateRepoRequest{
		Name: "bitnami",
		URL:  "http://127.0.0.1:1/charts",
	})
	require.Equal(t, 200, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "GET", "/helm/repositories", nil)
	require.Equal(t, 200, resp.StatusCode)
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Repositories, 1)
	assert.Equal(t, "http://127.0.0.1:1/charts", listed.Repositories[0].URL)

	// Case 4: remove empties the listing again.
	resp = doJSONRequest(t, env.App, "DELETE", "/helm/repositories?name=bitnami", nil)
	require.Equal(t, 200, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "GET", "/helm/repositories", nil)
	require.Equal(t, 200, resp.StatusCode)
	decodeBody(t, resp, &listed)
	assert.Empty(t, listed.Repositories)
}

func TestAddHelmRepoUnreachableIndex(t *testing.T) {
	env := setupHelmRepoRoutes(t)

	resp := doJSONRequest(t, env.App, "POST", "/helm/repositories", models.AddUpdateRepoRequest{
		Name: "dead",
		URL:  "http://127.0.0.1:1/charts",
	})
	assert.Equal(t, 500, resp.StatusCode)
}

func TestHelmRepoValidation(t *testing.T) {
	env := setupHelmRepoRoutes(t)

	resp := doJSONRequest(t, env.App, "POST", "/helm/repositories", models.AddUpdateRepoRequest{Name: "x"})
	assert.Equal(t, 400, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "PUT", "/helm/repositories", models.AddUpdateRepoRequest{URL: "http://x"})
	assert.Equal(t, 400, resp.StatusCode)

	resp = doJSONRequest(t, env.App, "DELETE", "/helm/repositories", nil)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestRemoveHelmRepoNotFound(t *testing.T) {
	env := setupHelmRepoRoutes(t)

	resp := doJSONRequest(t, env.App, "DELETE", "/helm/repositories?name=ghost", nil)
	assert.Equal(t, 404, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "repository not found")
}
