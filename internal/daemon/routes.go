package daemon

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nraphael/ipywidgets/internal/auth"
	"github.com/nraphael/ipywidgets/internal/observability"
	"github.com/nraphael/ipywidgets/internal/widgets"
)

// buildRouter assembles the admin surface: middleware stack first, then
// the route table.
func (s *Service) buildRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	if token := strings.TrimSpace(s.cfg.AdminToken); token != "" {
		r.Use(tokenGuard(auth.StaticToken{Token: token}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s.registerRoutes(r)
	return r
}

// tokenGuard rejects requests without the shared admin token. Liveness
// and scrape endpoints stay open.
func tokenGuard(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.FullPath() {
		case "/health", "/metrics":
			c.Next()
			return
		}
		if err := v.Validate(auth.TokenFromRequest(c.Request)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": s.cfg.Name,
			"version":   "0.0.1",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     !s.manager.Reconciling(),
			"uptime":    time.Since(s.started).String(),
			"component": s.cfg.Name,
			"version":   "0.0.1",
		})
	})

	r.GET("/widgets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"widgets": s.manager.Summaries(),
		})
	})

	r.GET("/widgets/:id", func(c *gin.Context) {
		id := c.Param("id")
		model, err := s.manager.GetModel(c.Request.Context(), id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, widgets.ErrModelNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"model_id":             model.ID(),
			"model_name":           model.ModelName(),
			"model_module":         model.ModelModule(),
			"model_module_version": model.ModelModuleVersion(),
			"live":                 model.Live(),
			"state":                model.ExportState(),
		})
	})

	r.GET("/state", func(c *gin.Context) {
		block, err := s.manager.SnapshotState()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, block)
	})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:8888"}
	}
	return origins
}
