package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/console/pkg/k8s"
	"github.com/quarterdeck-io/console/pkg/models"
)

// PortForwardHandler exposes the forwarding session manager over HTTP.
type PortForwardHandler struct {
	forwards *k8s.PortForwardManager
}

// NewPortForwardHandler creates a port forward handler
func NewPortForwardHandler(forwards *k8s.PortForwardManager) *PortForwardHandler {
	return &PortForwardHandler{forwards: forwards}
}

// Start handles POST /portforward. Re-posting a stopped session's ID
// restarts it under the same record.
func (h *PortForwardHandler) Start(c *fiber.Ctx) error {
	var req models.PortForwardRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	pf, err := h.forwards.Start(c.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, k8s.ErrInvalidRequest):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, k8s.ErrSessionRunning):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		zlog.Error().Err(err).Str("cluster", req.Cluster).Msg("failed to start port forward")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(pf)
}

// Get handles GET /portforward?cluster=...&id=...
func (h *PortForwardHandler) Get(c *fiber.Ctx) error {
	cluster := c.Query("cluster")
	id := c.Query("id")
	if cluster == "" || id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cluster and id are required"})
	}

	pf, err := h.forwards.Get(cluster, id)
	if err != nil {
		zlog.Error().Err(err).Str("id", id).Msg("failed to load port forward")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if pf == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no port forward with id " + id})
	}
	return c.JSON(pf)
}

// List handles GET /portforward/list?cluster=... Stopped sessions stay in
// the list; deleted ones are gone.
func (h *PortForwardHandler) List(c *fiber.Ctx) error {
	cluster := c.Query("cluster")
	if cluster == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cluster is required"})
	}

	list, err := h.forwards.List(cluster)
	if err != nil {
		zlog.Error().Err(err).Str("cluster", cluster).Msg("failed to list port forwards")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(list)
}

// StopOrDelete handles DELETE /portforward. StopOrDelete true stops the
// session but keeps its record; false removes the record too.
func (h *PortForwardHandler) StopOrDelete(c *fiber.Ctx) error {
	var req models.PortForwardStopRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Cluster == "" || req.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cluster and id are required"})
	}

	if err := h.forwards.Stop(req.Cluster, req.ID, !req.StopOrDelete); err != nil {
		if errors.Is(err, k8s.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		zlog.Error().Err(err).Str("id", req.ID).Msg("failed to stop port forward")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	status := "deleted"
	if req.StopOrDelete {
		status = "stopped"
	}
	return c.JSON(fiber.Map{"status": status})
}
