package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roomwatt-backend/config"
	"roomwatt-backend/internal/metrics"
	"roomwatt-backend/internal/mw"
)

const limiterIdle = 10 * time.Minute

// NewRouter creates and configures a new Gin router. ctx bounds the rate
// limiter's background cleanup.
func NewRouter(ctx context.Context, h *Handler, cfg config.ServerConfig, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	if cfg.RequestIPHeader != "" {
		r.TrustedPlatform = cfg.RequestIPHeader
	}
	r.Use(gin.Recovery(), requestLogger(h.logger), m.Middleware())

	limiter := mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)
	go func() {
		ticker := time.NewTicker(limiterIdle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Cleanup(limiterIdle)
			case <-ctx.Done():
				return
			}
		}
	}()
	responses := mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)

	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/api/health", h.GetHealth)

	api := r.Group("/api")
	api.Use(mw.RateLimiter(limiter, h.logger), responses.Cache())
	{
		api.GET("/rooms", h.ListRooms)
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms/:id", h.GetRoom)
		api.DELETE("/rooms/:id", h.DeleteRoom)
		api.GET("/rooms/:id/power", h.GetRoomPower)

		api.GET("/devices", h.ListDevices)
		api.POST("/devices", h.CreateDevice)
		api.GET("/devices/:id", h.GetDevice)
		api.DELETE("/devices/:id", h.DeleteDevice)
		api.POST("/devices/:id/toggle", h.ToggleDevice)

		api.POST("/occupancy/update", h.UpdateOccupancy)
		api.POST("/simulate-occupancy", h.SimulateOccupancy)

		api.GET("/dashboard/stats", h.GetDashboardStats)
		api.GET("/dashboard/energy-trend", h.GetEnergyTrend)
		api.GET("/dashboard/room-consumption", h.GetRoomConsumption)
		api.GET("/buckets", h.GetBuckets)
		api.GET("/energy/saved", h.GetEnergySaved)
		api.GET("/insights", h.GetInsights)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}

// WithCORS wraps the router for browser front ends on other origins.
func WithCORS(next http.Handler, origins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(next)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}
