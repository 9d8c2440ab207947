package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// APIEndpoint names one (group, version, resource) tuple a ResourceClient may
// serve a resource kind from. An empty Group means the core API.
type APIEndpoint struct {
	Group    string
	Version  string
	Resource string
}

// root returns the API discovery root for the tuple.
func (e APIEndpoint) root() string {
	if e.Group == "" {
		return "/api/" + e.Version
	}
	return "/apis/" + e.Group + "/" + e.Version
}

// path builds the collection or object path for the tuple.
func (e APIEndpoint) path(namespaced bool, namespace, name string) string {
	p := e.root()
	if namespaced && namespace != "" {
		p += "/namespaces/" + namespace
	}
	p += "/" + e.Resource
	if name != "" {
		p += "/" + name
	}
	return p
}

// ResourceClient serves one resource kind on the currently selected cluster.
// When built with several endpoint tuples it probes them in declaration order
// and sticks with the first one the cluster serves: a 404 moves on to the
// next tuple, any other failure is returned as-is, and after one success the
// winning tuple answers every later call without re-probing.
type ResourceClient struct {
	c          *Client
	endpoints  []APIEndpoint
	namespaced bool

	// Scale is non-nil only for clients built with scale support.
	Scale *ScaleClient

	mu       sync.Mutex
	resolved int
}

// APIFactory builds a client for a cluster-scoped resource. At least one
// endpoint tuple is required; extras are version fallbacks, preferred first.
func (c *Client) APIFactory(endpoints ...APIEndpoint) *ResourceClient {
	return &ResourceClient{c: c, endpoints: endpoints, resolved: -1}
}

// NamespacedAPIFactory builds a client for a namespaced resource, optionally
// with the scale subresource attached.
func (c *Client) NamespacedAPIFactory(withScale bool, endpoints ...APIEndpoint) *ResourceClient {
	r := &ResourceClient{c: c, endpoints: endpoints, namespaced: true, resolved: -1}
	if withScale {
		r.Scale = &ScaleClient{r: r}
	}
	return r
}

// IsNamespaced reports whether this client addresses namespaced resources.
// It is fixed at construction time.
func (r *ResourceClient) IsNamespaced() bool { return r.namespaced }

// Get opens a live view of one object: a watch subscription that delivers
// the object's current state changes until cancelled.
func (r *ResourceClient) Get(ctx context.Context, namespace, name string, q QueryParameters) (*WatchSubscription, error) {
	var sub *WatchSubscription
	err := r.withEndpoint(func(ep APIEndpoint) error {
		var err error
		sub, err = r.c.StreamResult(ctx, ep.path(r.namespaced, namespace, ""), name, q)
		return err
	})
	return sub, err
}

// List opens a live view of the collection, delivering incremental events
// until cancelled. Pass an empty namespace to list across all namespaces.
func (r *ResourceClient) List(ctx context.Context, namespace string, q QueryParameters) (*WatchSubscription, error) {
	var sub *WatchSubscription
	err := r.withEndpoint(func(ep APIEndpoint) error {
		var err error
		sub, err = r.c.StreamResults(ctx, ep.path(r.namespaced, namespace, ""), q)
		return err
	})
	return sub, err
}

// Post creates body in the collection. The namespace comes from the object.
func (r *ResourceClient) Post(ctx context.Context, body KubeObject) (json.RawMessage, error) {
	var res json.RawMessage
	err := r.withEndpoint(func(ep APIEndpoint) error {
		var err error
		res, err = r.c.Post(ctx, ep.path(r.namespaced, body.Namespace(), ""), body, nil)
		return err
	})
	return res, err
}

// Put replaces the object with body. Name and namespace come from the object.
func (r *ResourceClient) Put(ctx context.Context, body KubeObject) (json.RawMessage, error) {
	if body.Name() == "" {
		return nil, fmt.Errorf("object is missing metadata.name")
	}
	var res json.RawMessage
	err := r.withEndpoint(func(ep APIEndpoint) error {
		var err error
		res, err = r.c.Put(ctx, ep.path(r.namespaced, body.Namespace(), body.Name()), body, nil)
		return err
	})
	return res, err
}

// Patch applies a JSON-patch operation list to the named object.
func (r *ResourceClient) Patch(ctx context.Context, namespace, name string, ops []PatchOp) (json.RawMessage, error) {
	var res json.RawMessage
	err := r.withEndpoint(func(ep APIEndpoint) error {
		var err error
		res, err = r.c.Patch(ctx, ep.path(r.namespaced, namespace, name), ops, nil)
		return err
	})
	return res, err
}

// Delete removes the named object.
func (r *ResourceClient) Delete(ctx context.Context, namespace, name string, q QueryParameters) error {
	return r.withEndpoint(func(ep APIEndpoint) error {
		_, err := r.c.Delete(ctx, ep.path(r.namespaced, namespace, name), q)
		return err
	})
}

// withEndpoint runs fn against the resolved tuple, or probes the tuples in
// order until one stops answering 404. The first tuple to succeed is pinned
// for the lifetime of the client.
func (r *ResourceClient) withEndpoint(fn func(ep APIEndpoint) error) error {
	if len(r.endpoints) == 0 {
		return fmt.Errorf("resource client has no endpoints")
	}

	r.mu.Lock()
	idx := r.resolved
	r.mu.Unlock()
	if idx >= 0 {
		return fn(r.endpoints[idx])
	}

	var lastErr error
	for i, ep := range r.endpoints {
		err := fn(ep)
		if err == nil {
			r.mu.Lock()
			if r.resolved < 0 {
				r.resolved = i
			}
			r.mu.Unlock()
			return nil
		}
		if !IsNotFound(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// ScaleClient addresses the scale subresource of a ResourceClient's kind.
type ScaleClient struct {
	r *ResourceClient
}

// Get fetches the current scale object.
func (s *ScaleClient) Get(ctx context.Context, namespace, name string) (json.RawMessage, error) {
	var res json.RawMessage
	err := s.r.withEndpoint(func(ep APIEndpoint) error {
		var err error
		res, err = s.r.c.ClusterRequest(ctx, ep.path(true, namespace, name)+"/scale", nil, nil)
		return err
	})
	return res, err
}

// Put sets the replica count. Only the reduced scale payload is sent:
// metadata identifying the object plus spec.replicas.
func (s *ScaleClient) Put(ctx context.Context, namespace, name string, replicas int) (json.RawMessage, error) {
	body := map[string]any{
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
		"spec": map[string]any{
			"replicas": replicas,
		},
	}
	var res json.RawMessage
	err := s.r.withEndpoint(func(ep APIEndpoint) error {
		var err error
		res, err = s.r.c.Put(ctx, ep.path(true, namespace, name)+"/scale", body, nil)
		return err
	})
	return res, err
}
