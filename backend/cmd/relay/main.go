package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"collabSync/backend/config"
	"collabSync/backend/internal/journal"
	"collabSync/backend/internal/presence"
	"collabSync/backend/internal/relay"
	"collabSync/backend/internal/store"
)

func main() {
	cfg, err := config.Load("syncConfig")
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := relay.Options{}

	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := store.Migrate(db); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		opts.Snapshots = store.NewGormKV(db)
	}

	if len(cfg.Broadcast.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Broadcast.Addrs,
			Password: cfg.Broadcast.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		opts.Presence = presence.NewRedisPresence(rdb)
	}

	var dispatcher *journal.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := journal.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher = journal.NewDispatcher(producer, cfg.Kafka.Topic, journal.NewSemaphore(0), journal.Options{
			//  Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
		opts.Journal = dispatcher
	}

	hub := relay.NewHub(opts)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.RelayPort),
		Handler: relay.NewEngine(relay.NewManager(hub)),
	}

	go func() {
		log.Printf("relay starting addr=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("relay server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("relay shutdown error: %v", err)
	}
	hub.SaveAll()
	if dispatcher != nil {
		dispatcher.Close()
	}
}
