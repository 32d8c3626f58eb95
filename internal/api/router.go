// Package api assembles the HTTP surface of the mapping service.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/cdd-agent/backend/internal/api/handlers"
	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/metrics"
	"github.com/cdd-agent/backend/internal/middleware/auth"
	"github.com/cdd-agent/backend/internal/middleware/ratelimit"
	"github.com/cdd-agent/backend/internal/middleware/security"
	"github.com/cdd-agent/backend/internal/middleware/validation"
	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/pkg/config"
	"github.com/cdd-agent/backend/pkg/logger"
)

type Deps struct {
	Server         config.ServerConfig
	Manager        *session.Manager
	Checker        *matcher.Checker
	Catalog        handlers.CatalogReader
	Populator      handlers.CatalogPopulator
	Auth           *auth.Authenticator
	RateLimiter    *ratelimit.RateLimiter
	Health         map[string]handlers.Pinger
	MetricsEnabled bool
	AccessLog      bool
}

func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(d.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(d.Server.WriteTimeout) * time.Second,
		BodyLimit:    d.Server.BodyLimit,
	})

	app.Use(recover.New())
	if d.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: d.Server.AllowedOrigins,
		IsDevelopment:  d.Server.IsDevelopment,
	}))

	origins := "*"
	if len(d.Server.AllowedOrigins) > 0 {
		origins = strings.Join(d.Server.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization",
		AllowMethods:  "GET, POST, DELETE, OPTIONS",
		ExposeHeaders: "ETag, Content-Disposition",
	}))

	health := handlers.NewHealthHandler(d.Server.Version, d.Health)
	app.Get("/ping", health.Ping)
	if d.MetricsEnabled {
		app.Get("/metrics", metrics.MetricsHandler())
	}

	authn := d.Auth
	if authn == nil {
		authn = auth.Bypass()
	}

	api := app.Group("/api/v1")
	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)

	api.Use(authn.Middleware())
	if d.RateLimiter != nil {
		api.Use(d.RateLimiter.Middleware())
	}
	api.Use(validation.Middleware(validation.Config{Logger: logger.GetLogger()}))

	catalog := handlers.NewCatalogHandler(d.Catalog, d.Populator)
	api.Post("/catalog/populate", catalog.Populate)
	api.Get("/catalog/attributes", catalog.ListAttributes)
	api.Get("/catalog/categories", catalog.ListCategories)

	api.Post("/fields/check", handlers.NewFieldHandler(d.Checker).CheckField)
	api.Get("/example-file", handlers.ExampleFile)

	handlers.NewSessionHandler(d.Manager).Register(api)

	ws := handlers.NewWebSocketHandler(d.Manager)
	app.Get("/ws/sessions/:id", authn.Middleware(), handlers.Upgrade, websocket.New(ws.HandleConnection))

	return app
}
