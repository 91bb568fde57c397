package main

import (
	"Switchboard/ai"
	"Switchboard/bot"
	"Switchboard/core"
	"Switchboard/lib/sl"
	"Switchboard/server"
	"Switchboard/storage"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {

	configPath := flag.String("conf", "config.yml", "path to config file")
	flag.Parse()

	conf := core.MustLoad(*configPath)
	log := setupLogger(conf.Env)
	log.With(
		slog.String("config", *configPath),
		slog.String("env", conf.Env),
		slog.String("model", conf.Model),
		sl.Secret(conf.ApiKey),
	).Info("starting switchboard")

	// Initialize storage based on config
	var store storage.HistoryStorage
	if conf.Mongo.Enabled {
		mongoURI := fmt.Sprintf("mongodb://%s:%s@%s:%s",
			conf.Mongo.User, conf.Mongo.Password,
			conf.Mongo.Host, conf.Mongo.Port)
		var err error
		store, err = storage.NewMongoStorage(mongoURI, conf.Mongo.Database, log)
		if err != nil {
			log.With(
				slog.String("db", conf.Mongo.Database),
				slog.String("user", conf.Mongo.User),
				slog.String("host", conf.Mongo.Host),
			).Error("falling back to memory", sl.Err(err))
			store = storage.NewMemoryStorage()
		} else {
			log.Info("using MongoDB storage")
		}
	} else {
		store = storage.NewMemoryStorage()
		log.Info("using in-memory storage")
	}

	chat := ai.NewChat(conf, log, store)

	srv := &http.Server{
		Addr:    ":" + conf.Port,
		Handler: server.NewHandler(log, chat, store),
	}

	go func() {
		log.Info("http server listening", slog.String("port", conf.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped with error", sl.Err(err))
		}
	}()

	// Optional telegram boundary over the same chat service
	var tgBot *bot.TgBot
	if conf.Telegram.ApiKey != "" {
		var err error
		tgBot, err = bot.NewTgBot(conf)
		if err != nil {
			log.Error("creating telegram", sl.Err(err))
		} else {
			tgBot.SetChat(chat)
			go func() {
				if err := tgBot.Start(); err != nil {
					log.Error("bot stopped with error", sl.Err(err))
				}
			}()
			log.Info("bot started")
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("received signal, shutting down", slog.String("signal", sig.String()))

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutting down http server", sl.Err(err))
	}
	if tgBot != nil {
		tgBot.Stop()
	}

	// Close storage connection
	if err := chat.Close(); err != nil {
		log.Error("error closing chat service", sl.Err(err))
	}

	log.Info("shutdown complete")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal, envDev:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
