package handlers

import (
	"github.com/gofiber/fiber/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/console/pkg/k8s"
)

// ClusterHandler serves the cluster inventory derived from the kubeconfig.
type ClusterHandler struct {
	clusters *k8s.MultiClusterClient
}

// NewClusterHandler creates a cluster handler
func NewClusterHandler(clusters *k8s.MultiClusterClient) *ClusterHandler {
	return &ClusterHandler{clusters: clusters}
}

// ListClusters returns every cluster the gateway can route requests to.
func (h *ClusterHandler) ListClusters(c *fiber.Ctx) error {
	clusters, err := h.clusters.ListClusters()
	if err != nil {
		zlog.Error().Err(err).Msg("failed to list clusters")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list clusters",
		})
	}
	return c.JSON(fiber.Map{"clusters": clusters})
}
