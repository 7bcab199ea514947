// Package api exposes the read-side HTTP surface: service status, task
// lookup and a live task-update stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waule/mjgateway/internal/service"
	"github.com/waule/mjgateway/internal/task"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Service *service.Service
	Store   *task.Store
	Port    int
	Out     io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Service == nil || opts.Store == nil {
		return fmt.Errorf("api: service and store are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts.Service, opts.Store)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func newRouter(svc *service.Service, store *task.Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	apiGroup := router.Group("/api")
	apiGroup.GET("/status", handleStatus(svc))
	apiGroup.GET("/tasks", handlePending(store))
	apiGroup.GET("/tasks/:id", handleGetTask(svc))
	apiGroup.GET("/events", handleEvents(store))
	return router
}

func handleStatus(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Status(c.Request.Context()))
	}
}

func handlePending(store *task.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		pending, err := store.Pending(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": pending, "count": len(pending)})
	}
}

func handleGetTask(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTask(c.Request.Context(), c.Param("id"))
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
