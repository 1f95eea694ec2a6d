package main

import (
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"campaign-vtt/config"
	"campaign-vtt/session"
	"campaign-vtt/store"
)

func setupApp(manager *session.Manager) *fiber.App {
	app := fiber.New()

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/maps", manager.CreateMap)
	app.Get("/maps/:id", manager.GetMap)
	app.Post("/maps/:id/tokens", manager.CreateTokenHTTP)

	app.Get("/ws/:campaignId/:mapId", websocket.New(manager.HandleWS))

	return app
}

// openStore picks the backend: Postgres when DATABASE_URL is set, else
// embedded SQLite when a path is configured, else in-memory (no persistence,
// state lost on restart).
func openStore(cfg config.Config) store.Store {
	if cfg.DatabaseURL != "" {
		s, err := store.NewPostgres(cfg.DatabaseURL)
		if err == nil {
			return s
		}
		log.Printf("warning: failed to connect to database: %v — falling back", err)
	}
	if cfg.SQLitePath != "" {
		s, err := store.NewSQLite(cfg.SQLitePath)
		if err == nil {
			return s
		}
		log.Printf("warning: failed to open sqlite: %v — falling back", err)
	}
	log.Println("running without persistence")
	return store.NewMemory()
}

func main() {
	cfg := config.Load("config.json")

	s := openStore(cfg)
	defer s.Close()

	manager := session.NewManager(cfg, s, session.StaticCharacters{})
	app := setupApp(manager)

	log.Fatal(app.Listen(cfg.ListenAddr))
}
