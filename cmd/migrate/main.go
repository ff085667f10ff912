package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/database"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version, goto, force")
	version := flag.Int("version", -1, "Target version for goto/force")
	path := flag.String("path", "./migrations", "Migrations directory")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	_ = godotenv.Load()

	cfg, err := config.NewLoader().Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}

	manager, err := database.NewMigrationManager(db, *path, logger)
	if err != nil {
		logger.Fatalf("Failed to create migration manager: %v", err)
	}
	defer manager.Close()

	switch *action {
	case "up":
		if err := manager.Up(); err != nil {
			logger.Fatalf("Migration up failed: %v", err)
		}

	case "down":
		if err := manager.Down(); err != nil {
			logger.Fatalf("Migration down failed: %v", err)
		}

	case "version":
		v, dirty, err := manager.Version()
		if err != nil {
			logger.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current version: %d", v)
		if dirty {
			fmt.Printf(" (dirty - manual intervention required)")
		}
		fmt.Println()

	case "goto":
		if *version < 0 {
			logger.Fatal("Version must be specified for goto action")
		}
		if err := manager.MigrateTo(uint(*version)); err != nil {
			logger.Fatalf("Migration to version %d failed: %v", *version, err)
		}

	case "force":
		if *version < 0 {
			logger.Fatal("Version must be specified for force action")
		}
		if err := manager.ForceVersion(*version); err != nil {
			logger.Fatalf("Force version failed: %v", err)
		}

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, version, goto, force")
		os.Exit(1)
	}
}
