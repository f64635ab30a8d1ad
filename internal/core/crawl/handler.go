package crawl

import (
	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	crawl *Service
}

func NewHandler(crawl *Service) *Handler {
	return &Handler{crawl: crawl}
}

func (h *Handler) HandleCreateCrawl(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid body"})
	}
	created, err := h.crawl.Create(c.Context(), req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "id": created.ID, "url": created.BaseURL})
}

func (h *Handler) HandleGetCrawl(c *fiber.Ctx) error {
	id := c.Params("crawlId")
	status, err := h.crawl.Status(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "not_found"})
	}
	return c.JSON(fiber.Map{"success": true, "crawl": status})
}

func (h *Handler) HandleGetResults(c *fiber.Ctx) error {
	id := c.Params("crawlId")
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	results, err := h.crawl.Results(c.Context(), id, offset, limit)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "not_found"})
	}
	if results == nil {
		results = []Result{}
	}
	return c.JSON(fiber.Map{"success": true, "crawl_id": id, "count": len(results), "results": results})
}
