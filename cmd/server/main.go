package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/storage"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return exitConfig, fmt.Errorf("load .env: %w", err)
	}

	config, err := server.NewConfigFromEnv()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := server.NewLogger(os.Stdout, config.LogLevel, config.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting chat relay", "port", config.Port, "database", config.DatabasePath)

	store, err := storage.Open(config.DatabasePath)
	if err != nil {
		return exitRuntime, fmt.Errorf("open database: %w", err)
	}
	store.SetPasswordCost(config.PasswordHashCost)

	relay := server.NewServer(*config, store, logger)
	relay.Start()

	httpServer := server.CreateServer(config.Port, relay.SetupRoutes())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	// Stop order: stop accepting, close every connection (each records its
	// disconnect), then close the database.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		config.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				var errs []error
				if err := server.ShutdownServer(ctx, httpServer, logger); err != nil {
					errs = append(errs, err)
				}
				if err := relay.Hub().Shutdown(config.ShutdownTimeout); err != nil {
					errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
				}
				if err := store.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close database: %w", err))
				}
				return errors.Join(errs...)
			},
		},
	)

	select {
	case err := <-serveErr:
		if err != nil {
			_ = relay.Hub().Shutdown(config.ShutdownTimeout)
			_ = store.Close()
			return exitRuntime, fmt.Errorf("http server: %w", err)
		}
		exitCode := <-wait
		return exitCode, nil
	case exitCode := <-wait:
		logger.Info("chat relay exited", "code", exitCode)
		if exitCode != exitOK {
			return exitCode, errors.New("graceful shutdown did not complete cleanly")
		}
		return exitOK, nil
	}
}
