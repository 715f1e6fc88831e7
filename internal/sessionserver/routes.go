package sessionserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/roach88/questflow/internal/metrics"
)

// RegisterRoutes registers the session API under rg.
//
// Endpoints:
//
//	POST  /sessions             - Create a session seeded with answers
//	GET   /sessions/:id/draft   - Read a session draft
//	PATCH /sessions/:id/draft   - Replace a session draft
//	POST  /sessions/:id/attach  - Bind a session to the caller's account
//	GET   /profile              - Read the caller's profile
//	PUT   /profile              - Replace the caller's profile
//
// Example:
//
//	v1 := router.Group("/v1")
//	sessionserver.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.Use(Authenticate())

	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.HandleCreateSession)
		sessions.GET("/:id/draft", h.HandleGetDraft)
		sessions.PATCH("/:id/draft", h.HandlePatchDraft)
		sessions.POST("/:id/attach", h.HandleAttach)
	}

	rg.GET("/profile", h.HandleGetProfile)
	rg.PUT("/profile", h.HandlePutProfile)
}

// NewRouter builds the full server: tracing, metrics, health and the v1 API.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("questflow-sessions"))
	r.Use(metrics.Middleware())

	r.GET("/healthz", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	RegisterRoutes(r.Group("/v1"), h)
	return r
}

// Serve runs the router on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("session server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("session server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
