package api

import (
	"github.com/gofiber/fiber/v2"
)

func SetupRoutes(app *fiber.App, deps Deps) {
	h := NewHandler(deps)

	app.Post("/execute", h.Execute)

	exec := app.Group("/execute")
	exec.Post("/start", h.StartScheduler)
	exec.Post("/stop", h.StopScheduler)
	exec.Get("/status", h.SchedulerStatus)
	exec.Post("/reset-stats", h.ResetBatchStats)

	exec.Get("/llm-stats", h.LLMStats)
	exec.Post("/reset-llm-stats", h.ResetLLMStats)
	exec.Get("/llm-call-history", h.LLMCallHistory)

	exec.Get("/records/:id", h.GetRecord)
	exec.Post("/records/:id/reset", h.ResetRecord)

	if h.receiver != nil {
		app.Post("/callback/receive", h.ReceiveCallback)
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
