package main

import (
	"log"
	"os"
	"time"

	"eduassist/internal/api"
	"eduassist/internal/config"
	"eduassist/internal/engine"
	"eduassist/internal/form"
	"eduassist/internal/redis"
	"eduassist/internal/service/conversation"
	"eduassist/internal/service/extract"
	"eduassist/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("EDUASSIST_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("EDUASSIST_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	formSchema := form.DefaultSchema()
	extractor, err := extract.NewClient(cfg, formSchema)
	if err != nil {
		log.Fatalf("init extraction client: %v", err)
	}

	store := conversation.NewService(db, rdb)
	eng := engine.New(store, extractor, formSchema, engine.Options{
		TurnTimeout:   time.Duration(cfg.BasicConfig.TurnTimeoutSec) * time.Second,
		HealthTimeout: time.Duration(cfg.BasicConfig.HealthTimeoutSec) * time.Second,
		LockIdle:      time.Duration(cfg.BasicConfig.LockIdleMinutes) * time.Minute,
	})
	defer eng.Close()
	// A reset published by another instance must release the local lock too.
	store.OnInvalidate(eng.DropLock)

	handlers := api.NewHandler(eng)

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
