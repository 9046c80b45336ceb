package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/subsync/subsync/internal/pkg/cache"
	"github.com/subsync/subsync/internal/pkg/database"
	"github.com/subsync/subsync/internal/pkg/env"
	"github.com/subsync/subsync/internal/pkg/pipeline"
	"github.com/subsync/subsync/internal/pkg/webhookhttp"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	p := pipeline.NewPipelineFromClients(database.GetDB(), cache.GetClient())

	sweeper := pipeline.NewSweeper(p)
	sweeper.Start()
	defer sweeper.Stop()

	app := fiber.New(fiber.Config{
		AppName:   "subsync",
		BodyLimit: 1 * 1024 * 1024,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	if secret == "" {
		log.Warn("[Main] STRIPE_WEBHOOK_SECRET is not set, all deliveries will be rejected")
	}
	handler := webhookhttp.NewHandler(p, pipeline.NewRepository(database.GetDB()), secret)
	handler.Register(app)

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4100"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Main] Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Main] Shutting down...")
	if err := app.Shutdown(); err != nil {
		log.Errorf("[Main] Shutdown error: %v", err)
	}
}
