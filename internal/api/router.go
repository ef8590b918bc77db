package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rotation-service/internal/config"
)

// NewRouter wires the HTTP surface: the signed scheduler webhook, the
// schedule read paths, sprint and override administration, and the live
// schedule stream.
func NewRouter(h *Handler, stream *Stream, cfg config.Config, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	r.GET("/health", h.Health)

	api := r.Group(cfg.API.BasePath)
	{
		// Scheduler webhook
		api.POST("/jobs/notify-rotation", SignatureMiddleware(cfg.Webhook.Secret, logger), h.NotifyRotation)

		// Schedule
		api.GET("/schedule/current", h.GetCurrentSchedule)
		api.GET("/schedule/sprints/:index", h.GetSprintAssignments)
		if stream != nil {
			api.GET("/schedule/stream", stream.Handle(h.state))
		}

		// Sprints
		api.GET("/sprints", h.ListSprints)
		api.POST("/sprints", h.CreateSprint)
		api.GET("/sprints/:index", h.GetSprint)
		api.PUT("/sprints/:index", h.UpdateSprint)
		api.GET("/sprints/:index/edits", h.ListSprintEdits)
		api.GET("/sprints/:index/overrides", h.ListSprintOverrides)

		// Disciplines
		api.GET("/disciplines", h.ListDisciplines)

		// Overrides
		api.POST("/overrides", h.CreateOverride)
		api.GET("/overrides/:id", h.GetOverride)
		api.POST("/overrides/:id/approve", h.ApproveOverride)

		// Snapshots
		api.GET("/snapshots", h.ListSnapshots)
	}
	return r
}
