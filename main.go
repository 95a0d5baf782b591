package main

import (
	"context"
	"log"
	"os"
	"time"

	"propchat/internal/api"
	"propchat/internal/auth"
	"propchat/internal/chat"
	"propchat/internal/config"
	"propchat/internal/realtime"
	"propchat/internal/redis"
	"propchat/internal/service/account"
	"propchat/internal/service/listing"
	"propchat/internal/socket"
	"propchat/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("PROPCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("PROPCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	sessionTTL := time.Duration(cfg.Auth.SessionTokenTTLHours) * time.Hour
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	authService := auth.NewService(db, rdb, sessionTTL)

	cleanCtx, cleanCancel := context.WithCancel(context.Background())
	defer cleanCancel()
	cleanInterval := time.Duration(cfg.BasicConfig.TokenCleanupInterval) * time.Minute
	if cleanInterval <= 0 {
		cleanInterval = auth.DefaultTokenCleanupInterval
	}
	authService.StartTokenCleaner(cleanCtx, cleanInterval)

	socketTTL := time.Duration(cfg.Auth.SocketTokenTTLHours) * time.Hour
	if socketTTL <= 0 {
		socketTTL = socket.DefaultTokenTTL
	}
	if cfg.Auth.SocketTokenSecret == "" {
		log.Printf("warning: socket token secret not configured, socket token requests will fail")
	}
	issuer := socket.NewIssuer(cfg.Auth.SocketTokenSecret, socketTTL)

	chatService := chat.NewService(db)
	hub := realtime.NewHub(chatService, issuer)
	go hub.Run()
	defer hub.Stop()

	accountService := account.NewService(db)
	listingService := listing.NewService(db)
	handlers := api.NewHandler(accountService, listingService, chatService, authService, issuer, hub, db)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
