package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"silentauction/api"
)

func main() {
	args := ParseArgs()
	if err := args.Validate(); err != nil {
		panic(err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(args.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	server, err := api.NewServer(args.ServerConfig)
	if err != nil {
		panic(err)
	}
	if err := server.Start(); err != nil {
		panic(err)
	}
	defer server.Close()
	WatchSettings(server.Settings())

	router := gin.Default()
	server.RegisterHandlers(router)
	httpServer := &http.Server{
		Addr:    args.ServerURL,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Fail to shutdown http server", slog.Any("error", err))
		}
	}()

	slog.Info("Listening", slog.String("addr", args.ServerURL))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Http server stopped", slog.Any("error", err))
	}
}
