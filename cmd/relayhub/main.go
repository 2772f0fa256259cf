package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relayhub/internal/api"
	"relayhub/internal/bus"
	"relayhub/internal/config"
	"relayhub/internal/document"
	"relayhub/internal/registry"
	"relayhub/internal/relay"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	log.Printf("starting relay hub (redis=%s pattern=%q)", cfg.RedisAddr(), cfg.ChannelPattern)

	b := bus.New()
	reg := registry.New()

	docs, err := document.NewService(cfg.SchemaDir, cfg.DataDir)
	if err != nil {
		// The hub keeps serving real-time updates without the config
		// endpoints.
		log.Printf("config document service unavailable: %v", err)
		docs = nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	rel := relay.New(rdb, cfg.ChannelPattern, b, cfg.RelayRetryDelay)

	srv := api.New(cfg.HTTPAddr, reg, b, docs, cfg.ChannelPrefix, cfg.SubscriberBuffer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rel.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("relay hub exited with error: %v", err)
		os.Exit(1)
	}
	log.Printf("relay hub stopped")
}
