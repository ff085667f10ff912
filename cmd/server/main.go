package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aihub/chat-backend/app/bootstrap"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}

	web.BConfig.AppName = "AI Hub Chat Backend"

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("shutting down", zap.String("signal", sig.String()))
		app.Shutdown()
		os.Exit(0)
	}()

	app.Run()
}
