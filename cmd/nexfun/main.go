package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/RubensPaulo1/NexFun-sub000/app/controllers"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/bootstrap"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/database"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/jobqueue"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down")
		if err := app.ShutdownWithTimeout(20 * time.Second); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))
	manager.Stop()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/nexfun to project root
		"../../../", // Fallback
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}
	if basePath == "" {
		panic("Could not find project root directory")
	}

	manager := jobqueue.GetManager()
	services, err := bootstrap.Build(context.Background(), database.GetDB(), manager.GetQueue())
	if err != nil {
		log.Fatalf("Failed to build billing services: %v", err)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // webhook payloads are small
	})

	// recovery and logging
	app.Use(recover.New(), requestid.New(), logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	billingController := controllers.NewBillingController(services.Engine, services.Processor, services.Verifier)
	router.InstallRouter(app, billingController, router.LoadAPIConfig())

	return app, manager
}
