package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fableforge/fableforge-backend/internal/app"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Setting up application from main...")
	theApp, err := app.New(log)
	if err != nil {
		log.Error("Application init failed", "error", err)
		os.Exit(1)
	}
	defer theApp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := theApp.Start(ctx); err != nil {
		log.Error("Application start failed", "error", err)
		os.Exit(1)
	}

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := theApp.Run(":" + port); err != nil {
		log.Warn("Server failed", "error", err)
	}
}
