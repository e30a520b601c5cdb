package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabcore/backend/config"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/httpapi/middleware"
	"collabcore/backend/internal/relay"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis failed: %v", err)
	}
	defer rdb.Close()

	sqlDB, err := store.OpenSQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("open mysql failed: %v", err)
	}
	defer sqlDB.Close()
	if err := store.EnsureSchema(context.Background(), sqlDB); err != nil {
		log.Fatalf("ensure schema failed: %v", err)
	}

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("open gorm failed: %v", err)
	}
	sessions := store.NewSessionStore(gormDB)
	if err := sessions.Migrate(); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	snapshots := store.NewSnapshotStore(sqlDB)

	kafkaCfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("connect kafka failed: %v", err)
	}
	defer producer.Close()

	kafkaSem := relay.NewSemaphore(100)
	submitSem := relay.NewSemaphore(100)
	dispatcher := relay.NewDispatcher(producer, cfg.Kafka.Topic, kafkaSem, relay.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})
	engine := relay.NewEngine(dispatcher)

	presence := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presence)
	manager := ws.NewManager(hub, engine, sessions, snapshots, submitSem)

	authHandler := handlers.NewAuthHandler(sqlDB)
	sessionHandler := handlers.NewSessionHandler(sessions, sqlDB)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/register", authHandler.Register)
		v1.POST("/auth/login", authHandler.Login)
		v1.POST("/auth/refresh", authHandler.Refresh)

		authed := v1.Group("")
		authed.Use(middleware.AuthMiddleware())
		{
			authed.GET("/users/me", authHandler.Me)
			authed.POST("/sessions", sessionHandler.Create)
			authed.DELETE("/sessions/:id", sessionHandler.End)
			authed.POST("/sessions/:id/leave", sessionHandler.Leave)
			authed.POST("/sessions/:id/invite", sessionHandler.Invite)
			authed.DELETE("/sessions/:id/participants/:userId", sessionHandler.RemoveParticipant)
			authed.PUT("/sessions/:id/permissions", sessionHandler.UpdatePermissions)
		}
	}

	collabGroup := r.Group("/collab")
	collabGroup.Use(middleware.AuthMiddleware())
	collabGroup.GET("/ws", manager.WebSocketConnect)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
	})
	g.Go(func() error {
		// background sweep keeps presence honest even when rooms go quiet
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				for _, sessionID := range hub.Rooms() {
					if n, err := presence.Sweep(context.Background(), sessionID); err != nil {
						log.Printf("presence sweep %s: %v", sessionID, err)
					} else if n > 0 {
						log.Printf("presence sweep %s: dropped %d expired members", sessionID, n)
					}
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("relay exited: %v", err)
	}
}
