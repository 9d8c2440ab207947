package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every call that does not set its own timeout.
const DefaultTimeout = 2 * time.Minute

// RequestParams enumerates the recognized per-call options. The zero value is
// a JSON GET with the default timeout and auto-logout enabled. Headers is the
// escape hatch: entries are passed through untouched and may override the
// headers the client sets itself.
type RequestParams struct {
	Timeout      time.Duration
	Raw          bool // return the body verbatim instead of requiring JSON
	Method       string
	Body         []byte
	Headers      map[string]string
	NoAutoLogout bool // leave the session untouched on 401/403
}

// QueryParameters carries list and watch options (label selectors, field
// selectors, resourceVersion, limits) forwarded verbatim to the API server.
type QueryParameters map[string]string

func (q QueryParameters) encode() string {
	if len(q) == 0 {
		return ""
	}
	v := url.Values{}
	for k, val := range q {
		v.Set(k, val)
	}
	return v.Encode()
}

// clone copies q so callers never see their map mutated.
func (q QueryParameters) clone() QueryParameters {
	out := make(QueryParameters, len(q)+1)
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Request performs a one-shot call against the gateway itself (session
// operations, cluster listing, repository configuration). The path is used
// as given, without a cluster prefix.
//
// Failures of any kind surface as *APIError. When the status is 401 or 403
// and params does not set NoAutoLogout, the client clears its cached
// credentials and fires the session-expiry hook before returning; the call
// still fails.
func (c *Client) Request(ctx context.Context, path string, params *RequestParams, q QueryParameters) (json.RawMessage, error) {
	return c.roundTrip(ctx, path, params, q, c.Cluster())
}

// ClusterRequest performs a one-shot call routed through the proxy route of
// the currently selected cluster. Everything else behaves like Request.
func (c *Client) ClusterRequest(ctx context.Context, path string, params *RequestParams, q QueryParameters) (json.RawMessage, error) {
	return c.roundTrip(ctx, c.clusterPath(path), params, q, c.Cluster())
}

func (c *Client) roundTrip(ctx context.Context, path string, params *RequestParams, q QueryParameters, cluster string) (json.RawMessage, error) {
	if params == nil {
		params = &RequestParams{}
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := params.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(params.Body) > 0 {
		body = bytes.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q).String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(params.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(cluster); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A cancellation from the caller's own context is not a failure
		// the classifier should rewrite.
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := classifyResponse(resp.StatusCode, data)
		if IsAuthStatus(apiErr.Status) && !params.NoAutoLogout {
			zlog.Debug().Int("status", apiErr.Status).Str("path", path).Msg("auth failure, expiring session")
			c.expireSession()
		}
		return nil, apiErr
	}

	if params.Raw || len(data) == 0 {
		return data, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return data, nil
}

// Post sends body as JSON to a cluster-routed path.
func (c *Client) Post(ctx context.Context, path string, body any, q QueryParameters) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return c.ClusterRequest(ctx, path, &RequestParams{Method: http.MethodPost, Body: data}, q)
}

// Put replaces the resource at a cluster-routed path with body.
func (c *Client) Put(ctx context.Context, path string, body any, q QueryParameters) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return c.ClusterRequest(ctx, path, &RequestParams{Method: http.MethodPut, Body: data}, q)
}

// PatchOp is a single JSON-patch operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch sends a JSON-patch operation list to a cluster-routed path.
func (c *Client) Patch(ctx context.Context, path string, ops []PatchOp, q QueryParameters) (json.RawMessage, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	params := &RequestParams{
		Method:  http.MethodPatch,
		Body:    data,
		Headers: map[string]string{"Content-Type": "application/json-patch+json"},
	}
	return c.ClusterRequest(ctx, path, params, q)
}

// Delete removes the resource at a cluster-routed path.
func (c *Client) Delete(ctx context.Context, path string, q QueryParameters) (json.RawMessage, error) {
	return c.ClusterRequest(ctx, path, &RequestParams{Method: http.MethodDelete}, q)
}

// Apply creates obj on the selected cluster, falling back to a full replace
// when the object already exists. The resource path is derived from the
// object's apiVersion, kind, and namespace.
func (c *Client) Apply(ctx context.Context, obj KubeObject) (json.RawMessage, error) {
	path, err := obj.resourcePath()
	if err != nil {
		return nil, err
	}
	res, err := c.Post(ctx, path, obj, nil)
	if err == nil {
		return res, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		return nil, err
	}
	return c.Put(ctx, path+"/"+obj.Name(), obj, nil)
}

// KubeObject is an opaque resource payload, decoded just enough to route it.
type KubeObject map[string]any

func (o KubeObject) str(key string) string {
	s, _ := o[key].(string)
	return s
}

// APIVersion returns the object's apiVersion field.
func (o KubeObject) APIVersion() string { return o.str("apiVersion") }

// Kind returns the object's kind field.
func (o KubeObject) Kind() string { return o.str("kind") }

func (o KubeObject) metadata(key string) string {
	md, _ := o["metadata"].(map[string]any)
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}

// Name returns metadata.name.
func (o KubeObject) Name() string { return o.metadata("name") }

// Namespace returns metadata.namespace.
func (o KubeObject) Namespace() string { return o.metadata("namespace") }

// resourcePath builds the collection path for the object: the API root from
// apiVersion, the namespace when present, and the lowercase plural of kind.
func (o KubeObject) resourcePath() (string, error) {
	apiVersion := o.APIVersion()
	kind := o.Kind()
	if apiVersion == "" || kind == "" {
		return "", fmt.Errorf("object is missing apiVersion or kind")
	}

	root := "/apis/" + apiVersion
	if !strings.Contains(apiVersion, "/") {
		root = "/api/" + apiVersion
	}

	path := root
	if ns := o.Namespace(); ns != "" {
		path += "/namespaces/" + ns
	}
	return path + "/" + pluralKind(kind), nil
}

// pluralKind lowercases kind and applies English pluralization: Ingress ->
// ingresses, NetworkPolicy -> networkpolicies, Pod -> pods. Irregular plurals
// must go through the factory with an explicit resource name instead.
func pluralKind(kind string) string {
	k := []byte(kind)
	for i := range k {
		if k[i] >= 'A' && k[i] <= 'Z' {
			k[i] += 'a' - 'A'
		}
	}
	s := string(k)
	switch {
	case hasAnySuffix(s, "s", "x", "z", "ch", "sh"):
		return s + "es"
	case len(s) > 1 && s[len(s)-1] == 'y' && !isVowel(s[len(s)-2]):
		return s[:len(s)-1] + "ies"
	default:
		return s + "s"
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if len(s) >= len(suf) && s[len(s)-len(suf):] == suf {
			return true
		}
	}
	return false
}

func isVowel(b byte) bool {
	switch b {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}
