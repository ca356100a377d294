// Package dashboard serves a read-mostly JSON API over the lifecycle engine,
// plus a server-sent event stream of the audit log.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sprintyard/internal/lifecycle"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Engine *lifecycle.Engine
	Port   int
	Out    io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Engine == nil {
		return fmt.Errorf("dashboard: engine is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts.Engine),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with every API route registered.
func NewRouter(e *lifecycle.Engine) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, e)
	return router
}
