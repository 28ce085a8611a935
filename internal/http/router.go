package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/feedforge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/feedforge-backend/internal/http/middleware"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	SourceJobHandler *httpH.SourceJobHandler
	HealthHandler    *httpH.HealthHandler

	Metrics     *observability.Metrics
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	// Tracing adds the otelgin middleware; leave off when no tracer provider is installed.
	Tracing bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Tracing {
		name := cfg.ServiceName
		if name == "" {
			name = "feedforge"
		}
		r.Use(otelgin.Middleware(name))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	if h := cfg.SourceJobHandler; h != nil {
		jobs := api.Group("/source-jobs")
		jobs.POST("", h.Create)
		jobs.GET("", h.List)
		jobs.GET("/:id", h.Get)
		jobs.DELETE("/:id", h.Delete)
		jobs.POST("/:id/run", h.Run)
		jobs.POST("/:id/abort", h.Abort)
		jobs.POST("/:id/abort-all", h.AbortAll)
		jobs.POST("/:id/retry", h.Retry)
		jobs.POST("/:id/discard", h.Discard)
		jobs.POST("/:id/takeover", h.Takeover)
		jobs.GET("/:id/events", h.Events)
		jobs.GET("/:id/usage", h.Usage)
		jobs.GET("/:id/stream", h.Stream)
	}

	return r
}
