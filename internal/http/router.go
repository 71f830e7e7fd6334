// Package httpapi wires the HTTP transport (Gin): cross-cutting middleware,
// the websocket upgrade route, and the REST API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/config"
	_ "github.com/tbourn/astro-consult-backend/internal/http/docs" // OpenAPI document
	"github.com/tbourn/astro-consult-backend/internal/http/handlers"
	"github.com/tbourn/astro-consult-backend/internal/http/middleware"
	"github.com/tbourn/astro-consult-backend/internal/repo"
	"github.com/tbourn/astro-consult-backend/internal/services"
)

// wsPath is the websocket upgrade route.
const wsPath = "/ws"

// Deps are the collaborators the routes are served by.
type Deps struct {
	DB        *gorm.DB
	Directory *services.DirectoryService
	Wallets   *services.WalletService
	Sessions  *services.SessionService
	Requests  *services.RequestService
	Messages  *services.MessageService
	// Realtime serves the websocket upgrade. Nil leaves /ws unmounted.
	Realtime http.Handler
}

// RegisterRoutes attaches middleware and every endpoint to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID and Identity: correlation id and caller
//  3. AccessLog: structured logs with PII scrubbing
//  4. Recovery: capture panics after the logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before the rate limiter so replays bypass it)
//  8. Rate limiter (per user/IP)
//  9. CORS and security headers
//  10. gzip for REST responses (never the websocket upgrade)
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.AccessLog(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key", "X-Payment-Signature"},
		SkipPaths:   []string{"/health", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics(wsPath))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200, OwnerParam: "id"},
		func(ctx context.Context, owner, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, deps.DB, owner, services.ScopeWalletCredit, key, now)
			return err == nil && rec != nil, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{wsPath, "/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if deps.Realtime != nil {
		r.GET(wsPath, gin.WrapH(deps.Realtime))
	}
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Directory, deps.Wallets, deps.Sessions, deps.Requests, deps.Messages)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/users", h.CreateUser)
		api.GET("/users/:id", h.GetUser)
		api.GET("/users/:id/wallet", h.GetWallet)
		api.POST("/users/:id/wallet/credit", h.CreditWallet)
		api.GET("/users/:id/transactions", h.ListTransactions)

		api.POST("/astrologers", h.CreateAstrologer)
		api.GET("/astrologers", h.ListAstrologers)
		api.GET("/astrologers/:id", h.GetAstrologer)

		api.GET("/chat-requests/:id", h.GetChatRequest)
		api.GET("/chat-sessions/:id", h.GetChatSession)
		api.GET("/chat-sessions/:id/messages", h.ListSessionMessages)
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// only the allowlist.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderUserID, middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotencyReplayed},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// Set ACAO even without an Origin header so simple clients see it.
		star := func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		}
		return []gin.HandlerFunc{star, cors.New(base)}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{cors.New(base)}
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
