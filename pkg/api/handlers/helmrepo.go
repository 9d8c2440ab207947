package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/console/pkg/helm"
	"github.com/quarterdeck-io/console/pkg/models"
)

// HelmRepoHandler exposes the chart repository config over HTTP.
type HelmRepoHandler struct {
	repos *helm.Manager
}

// NewHelmRepoHandler creates a helm repository handler
func NewHelmRepoHandler(repos *helm.Manager) *HelmRepoHandler {
	return &HelmRepoHandler{repos: repos}
}

// List handles GET /helm/repositories
func (h *HelmRepoHandler) List(c *fiber.Ctx) error {
	repos, err := h.repos.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(models.ListRepoResponse{Repositories: repos})
}

// Add handles POST /helm/repositories
func (h *HelmRepoHandler) Add(c *fiber.Ctx) error {
	var req models.AddUpdateRepoRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" || req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name and url are required"})
	}

	if err := h.repos.Add(c.Context(), req.Name, req.URL); err != nil {
		zlog.Error().Err(err).Str("repo", req.Name).Msg("failed to add helm repository")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "success"})
}

// Update handles PUT /helm/repositories
func (h *HelmRepoHandler) Update(c *fiber.Ctx) error {
	var req models.AddUpdateRepoRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" || req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name and url are required"})
	}

	if err := h.repos.Update(c.Context(), req.Name, req.URL); err != nil {
		zlog.Error().Err(err).Str("repo", req.Name).Msg("failed to update helm repository")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "success"})
}

// Remove handles DELETE /helm/repositories?name=...
func (h *HelmRepoHandler) Remove(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}

	if err := h.repos.Remove(c.Context(), name); err != nil {
		if errors.Is(err, helm.ErrRepoNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		zlog.Error().Err(err).Str("repo", name).Msg("failed to remove helm repository")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "success"})
}
