package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	zlog "github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	watchapi "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/quarterdeck-io/console/pkg/k8s"
)

// watchFrame is one websocket message: a Kubernetes watch event with the
// affected object inline.
type watchFrame struct {
	Type   string `json:"type"`
	Object any    `json:"object"`
}

// watchConn is the slice of *websocket.Conn the bridge writes to.
type watchConn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
}

// WatchHandler bridges websocket subscriptions to Kubernetes watches. Each
// socket carries exactly one subscription; closing either side tears down
// the other.
type WatchHandler struct {
	clusters *k8s.MultiClusterClient
	ws       fiber.Handler
}

// NewWatchHandler creates a watch handler
func NewWatchHandler(clusters *k8s.MultiClusterClient) *WatchHandler {
	h := &WatchHandler{clusters: clusters}
	h.ws = websocket.New(h.serve)
	return h
}

// UpgradeWatch turns proxied GETs that ask for a watch over websocket into a
// watch bridge. Everything else passes through to the plain proxy.
func (h *WatchHandler) UpgradeWatch(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) || !isWatchQuery(c.Query("watch")) {
		return c.Next()
	}
	// Params are not visible after the upgrade, so stash them in locals.
	c.Locals("watchCluster", c.Params("cluster"))
	c.Locals("watchPath", c.Params("*"))
	return h.ws(c)
}

func isWatchQuery(v string) bool {
	switch v {
	case "", "0", "false":
		return false
	}
	return true
}

func (h *WatchHandler) serve(conn *websocket.Conn) {
	defer conn.Close()

	cluster, _ := conn.Locals("watchCluster").(string)
	apiPath, _ := conn.Locals("watchPath").(string)

	gvr, namespace, name, err := parseResourcePath(apiPath)
	if err != nil {
		writeWatchError(conn, err.Error())
		return
	}

	dyn, err := h.clusters.GetDynamicClient(cluster)
	if err != nil {
		writeWatchError(conn, "unknown cluster "+cluster)
		return
	}

	opts := metav1.ListOptions{
		LabelSelector:       conn.Query("labelSelector"),
		FieldSelector:       conn.Query("fieldSelector"),
		ResourceVersion:     conn.Query("resourceVersion"),
		AllowWatchBookmarks: true,
	}
	if name != "" {
		sel := "metadata.name=" + name
		if opts.FieldSelector != "" {
			sel = opts.FieldSelector + "," + sel
		}
		opts.FieldSelector = sel
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ri dynamic.ResourceInterface = dyn.Resource(gvr)
	if namespace != "" {
		ri = dyn.Resource(gvr).Namespace(namespace)
	}
	w, err := ri.Watch(ctx, opts)
	if err != nil {
		writeWatchError(conn, "watch failed: "+err.Error())
		return
	}

	zlog.Debug().
		Str("cluster", cluster).
		Str("resource", gvr.Resource).
		Str("namespace", namespace).
		Msg("watch bridge opened")
	activeWatchBridges.Inc()
	defer activeWatchBridges.Dec()

	runBridge(ctx, cancel, conn, w)
}

// runBridge pumps watch events into the socket until either side closes.
func runBridge(ctx context.Context, cancel context.CancelFunc, conn watchConn, w watchapi.Interface) {
	defer w.Stop()

	// The client never sends data frames; a read error means it hung up.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-w.ResultChan():
			if !ok {
				return
			}
			if err := conn.WriteJSON(watchFrame{Type: string(event.Type), Object: event.Object}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeWatchError(conn watchConn, msg string) {
	_ = conn.WriteJSON(watchFrame{Type: "ERROR", Object: fiber.Map{"message": msg}})
}

// parseResourcePath maps a proxied API path such as
// api/v1/namespaces/default/pods or apis/apps/v1/deployments to its group,
// version, resource, namespace, and optional trailing object name.
func parseResourcePath(apiPath string) (schema.GroupVersionResource, string, string, error) {
	var segments []string
	for _, s := range strings.Split(apiPath, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}

	var gvr schema.GroupVersionResource
	switch {
	case len(segments) >= 2 && segments[0] == "api":
		gvr.Version = segments[1]
		segments = segments[2:]
	case len(segments) >= 3 && segments[0] == "apis":
		gvr.Group = segments[1]
		gvr.Version = segments[2]
		segments = segments[3:]
	default:
		return gvr, "", "", fmt.Errorf("unsupported watch path %q", apiPath)
	}

	// api/v1/namespaces/<name> with nothing after it watches the namespace
	// object itself, not resources inside it.
	namespace := ""
	if len(segments) >= 3 && segments[0] == "namespaces" {
		namespace = segments[1]
		segments = segments[2:]
	}

	if len(segments) == 0 {
		return gvr, "", "", fmt.Errorf("watch path %q names no resource", apiPath)
	}
	gvr.Resource = segments[0]

	name := ""
	if len(segments) > 1 {
		name = segments[1]
	}
	if len(segments) > 2 {
		return gvr, "", "", fmt.Errorf("unsupported watch path %q", apiPath)
	}
	return gvr, namespace, name, nil
}
