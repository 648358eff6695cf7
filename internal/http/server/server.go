package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"

	"web2pdf/internal/config"
	"web2pdf/internal/http/handlers"
	"web2pdf/internal/http/middleware"
	"web2pdf/internal/infra/logging"
	"web2pdf/internal/infra/tokens"
	"web2pdf/internal/inline"
	"web2pdf/internal/preset"
)

// Deps are the explicitly constructed collaborators for the HTTP app. The
// preset registry is built once at startup and injected here; it stays
// read-only for the process lifetime.
type Deps struct {
	Config   config.Config
	Registry *preset.Registry
	Redis    *redis.Client
	Tokens   *tokens.Store
}

// New creates and configures the Fiber app with all routes mounted.
func New(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		Prefork:               d.Config.Server.Prefork,
		BodyLimit:             d.Config.Limits.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			logging.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	middleware.Register(app, d.Config, d.Tokens)

	// One shared service instance so all routes share the same Chrome pool.
	svc := handlers.NewPDFService(d.Config, d.Registry, inline.New(d.Config, d.Redis))

	app.Get("/", svc.HandleRenderURL)
	app.Post("/", svc.HandleRenderHTML)
	app.Get("/pdf_options", svc.HandlePresetList)
	app.Get("/chrome/stats", svc.HandleChromeStats)

	app.Get("/monitor", monitor.New())

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}
