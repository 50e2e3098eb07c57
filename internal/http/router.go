package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deploy-deadman/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(
	logger *zap.Logger,
	jwtSvc *service.JWTService,
	authH *AuthHandler,
	deadmanH *DeadmanHandler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y headers de seguridad.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), securityHeadersMiddleware())

	auth := r.Group("/auth")
	auth.POST("/register", authH.Register)
	auth.POST("/login", authH.Login)
	auth.POST("/refresh", authH.Refresh)
	auth.POST("/logout", authH.Logout)

	// El enlace de check-in llega por correo y se abre sin sesion.
	r.GET("/deadman/checkin/:token", deadmanH.Checkin)

	deadman := r.Group("/deadman")
	deadman.Use(JWTAuthMiddleware(jwtSvc))
	deadman.POST("/emails", deadmanH.SaveEmail)
	deadman.GET("/emails", deadmanH.ListEmails)
	deadman.POST("/activate", deadmanH.Activate)
	deadman.POST("/deactivate", deadmanH.Deactivate)
	deadman.POST("/activity", deadmanH.LogActivity)
	deadman.GET("/timer-status", deadmanH.TimerStatus)
	deadman.GET("/deadman-status", deadmanH.DeadmanStatus)
	deadman.POST("/reset", deadmanH.Reset)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// securityHeadersMiddleware replica los headers defensivos del servicio.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
