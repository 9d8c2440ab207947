package handlers

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/console/pkg/k8s"
)

// ProxyHandler relays Kubernetes API requests to the cluster named in the
// path. TLS and credentials come from the cluster's kubeconfig context; the
// caller's gateway token never reaches the cluster.
type ProxyHandler struct {
	clusters *k8s.MultiClusterClient
}

// NewProxyHandler creates a proxy handler
func NewProxyHandler(clusters *k8s.MultiClusterClient) *ProxyHandler {
	return &ProxyHandler{clusters: clusters}
}

// Proxy forwards a request under /clusters/:cluster/* to that cluster's API
// server and relays the response, streaming so follow-style requests work.
func (h *ProxyHandler) Proxy(c *fiber.Ctx) error {
	cluster := c.Params("cluster")
	if !h.clusters.HasCluster(cluster) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown cluster " + cluster,
		})
	}

	target, transport, err := h.clusters.ProxyTarget(cluster)
	if err != nil {
		zlog.Error().Err(err).Str("cluster", cluster).Msg("failed to build proxy transport")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to reach cluster " + cluster,
		})
	}

	u := target.JoinPath(c.Params("*"))
	args := c.Context().QueryArgs()
	args.Del("_token")
	u.RawQuery = args.String()

	var body io.Reader
	if len(c.Body()) > 0 {
		body = bytes.NewReader(c.Body())
	}
	req, err := http.NewRequestWithContext(c.Context(), c.Method(), u.String(), body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request: " + err.Error(),
		})
	}
	req.Header.Set("Content-Type", c.Get(fiber.HeaderContentType, "application/json"))
	req.Header.Set("Accept", c.Get(fiber.HeaderAccept, "application/json"))

	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		proxyRequestsTotal.WithLabelValues(cluster, "502").Inc()
		zlog.Warn().Err(err).Str("cluster", cluster).Str("path", c.Params("*")).Msg("cluster request failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "cluster request failed: " + err.Error(),
		})
	}

	proxyRequestsTotal.WithLabelValues(cluster, strconv.Itoa(resp.StatusCode)).Inc()
	c.Set(fiber.HeaderContentType, resp.Header.Get("Content-Type"))
	c.Status(resp.StatusCode)
	if resp.ContentLength >= 0 {
		return c.SendStream(resp.Body, int(resp.ContentLength))
	}
	return c.SendStream(resp.Body)
}
