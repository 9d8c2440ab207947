package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	zlog "github.com/rs/zerolog/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/quarterdeck-io/console/pkg/k8s"
	"github.com/quarterdeck-io/console/pkg/models"
)

// DrainHandler exposes node drain submission and polling over HTTP.
type DrainHandler struct {
	drains *k8s.NodeDrainManager
}

// NewDrainHandler creates a drain handler
func NewDrainHandler(drains *k8s.NodeDrainManager) *DrainHandler {
	return &DrainHandler{drains: drains}
}

// Drain handles POST /drain-node. A 200 only means the drain was accepted;
// progress is polled through Status.
func (h *DrainHandler) Drain(c *fiber.Ctx) error {
	var req models.DrainRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	op, err := h.drains.Drain(c.Context(), req.Cluster, req.NodeName)
	if err != nil {
		switch {
		case errors.Is(err, k8s.ErrInvalidRequest):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, k8s.ErrDrainInProgress):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case apierrors.IsNotFound(err):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		zlog.Error().Err(err).Str("node", req.NodeName).Msg("failed to start node drain")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(op)
}

// Status handles GET /drain-node-status?cluster=...&nodeName=... and returns
// the most recent drain recorded for the node.
func (h *DrainHandler) Status(c *fiber.Ctx) error {
	cluster := c.Query("cluster")
	nodeName := c.Query("nodeName")
	if cluster == "" || nodeName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cluster and nodeName are required"})
	}

	op, err := h.drains.Status(cluster, nodeName)
	if err != nil {
		zlog.Error().Err(err).Str("node", nodeName).Msg("failed to load drain status")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if op == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no drain recorded for node " + nodeName})
	}
	return c.JSON(op)
}
