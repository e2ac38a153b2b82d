package handler

import "github.com/labstack/echo/v4"

func SetupWebhookRoutes(e *echo.Echo, h *WebhookHandler) {
	g := e.Group("/webhooks")
	g.POST("/:provider", h.PostWebhook)
	g.POST("/:provider/:trigger_id", h.PostWebhook)
}

func SetupJobRoutes(e *echo.Echo, h *JobHandler, auth APIKeyAuthenticator) {
	g := e.Group("/jobs", APIKeyMiddleware(auth))
	g.GET("/:job_id", h.GetJob)
	g.POST("/:job_id/retry", h.PostRetryJob)
}
