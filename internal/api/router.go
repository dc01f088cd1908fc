package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sigmamail/pkg/logger"
)

// Pinger 由 *pgxpool.Pool 实现；为 nil 时 /readyz 总是 ready
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	emailHandler *EmailHandler,
	aiHandler *AIHandler,
	jwtSecret string,
	db Pinger,
	log *zap.Logger,
) *Router {
	log = logger.OrNop(log)

	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware(), LoggingMiddleware(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/emails/:id/category", emailHandler.CorrectCategory)
		auth.POST("/emails/:id/decision", emailHandler.Decision)
		auth.POST("/ai/intent", aiHandler.Intent)
		auth.GET("/ai/status", aiHandler.Status)
		auth.DELETE("/ai/status", aiHandler.ClearStatus)
		auth.GET("/threads/:id/summary", aiHandler.ThreadSummary)
		auth.GET("/digest", aiHandler.Digest)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
