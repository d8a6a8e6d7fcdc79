package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/drenlia/easy-kanban-sub008/internal/api/handlers/notification"
)

func New(handler *notification.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api")

	api.POST("/events", handler.Ingest)
	api.GET("/notifications", handler.List)
	api.GET("/notifications/:id", handler.GetStatus)

	return e
}
