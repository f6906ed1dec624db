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
	"golang.org/x/sync/errgroup"

	"collabSync/backend/config"
	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/doccache"
	"collabSync/backend/internal/httpapi"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/presence"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/registry"
	"collabSync/backend/internal/router"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/transport/broadcast"
	"collabSync/backend/internal/transport/wsnet"
)

func newOpSet(string) crdt.Document { return crdt.NewOpSet() }

// openStores 按配置选择本地状态存储和种子存储
func openStores(cfg *config.Config, rdb redis.UniversalClient) (store.KV, store.SeedStore, error) {
	switch cfg.Sync.Store {
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("sync.store=redis requires broadcast.addrs")
		}
		return store.NewRedisKV(rdb, 0), store.NewRedisSeeds(rdb, 0), nil
	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(db); err != nil {
			return nil, nil, err
		}
		kv := store.NewGormKV(db)
		return kv, kv, nil
	case "", "memory":
		return store.NewMemoryKV(), store.NewMemoryKV(), nil
	}
	return nil, nil, fmt.Errorf("unknown sync.store %q", cfg.Sync.Store)
}

func main() {
	cfg, err := config.Load("syncConfig")
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb redis.UniversalClient
	var local router.Transport
	var pres presence.Cache
	if len(cfg.Broadcast.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Broadcast.Addrs,
			Password: cfg.Broadcast.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		bc := broadcast.NewRedisChannel(rdb, cfg.Broadcast.Channel)
		defer bc.Close()
		local = bc
		pres = presence.NewRedisPresence(rdb)
	}

	kv, seeds, err := openStores(cfg, rdb)
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}

	var reg *registry.Registry
	network := wsnet.New(cfg.Network.URL, wsnet.Options{
		// 重连后所有会话重新握手
		OnConnect: func() { reg.ResyncAll() },
	})
	rt := router.New(network, local, router.Options{SendTimeout: cfg.Sync.SendTimeout})
	reg = registry.New(rt, registry.Options{
		FlushDelay:      cfg.Sync.FlushDelay,
		TrustLocalState: cfg.Sync.TrustLocalState,
		DefaultGrace:    cfg.Sync.Grace,
		Store:           kv,
		Presence:        pres,
		UserID:          cfg.User.ID,
		Username:        cfg.User.Name,
		Heartbeat:       cfg.User.Heartbeat,
	})
	rt.Start()
	cache := doccache.New(reg, seeds, newOpSet, doccache.Options{})
	factory := registry.Factory(store.SeededFactory(kv, func() crdt.Document { return crdt.NewOpSet() }))

	for _, d := range cfg.Documents {
		kind, err := protocol.ParseKind(d.Kind)
		if err != nil {
			log.Printf("skip document id=%s: %v", d.ID, err)
			continue
		}
		if _, err := reg.Acquire(ctx, d.ID, kind, factory); err != nil {
			log.Printf("open document failed id=%s kind=%s: %v", d.ID, kind, err)
		}
	}

	engine := httpapi.NewEngine(httpapi.Deps{
		Registry: reg,
		Cache:    cache,
		Documents: &handlers.Documents{
			Registry: reg,
			Factory:  factory,
			Grace:    -1,
		},
		NetworkUp: network.Connected,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: engine}

	// 网络通道比 ctx 活得久一点，最后一次 flush 还要用它
	netCtx, cancelNet := context.WithCancel(context.Background())
	defer cancelNet()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := network.Run(netCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Printf("http server starting addr=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cache.Close()
		reg.Close()
		rt.Stop()
		cancelNet()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("syncd exited with error: %v", err)
	}
}
