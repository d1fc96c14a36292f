package main

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/transitops/gtfs-core/config"
	"github.com/transitops/gtfs-core/dispatch"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

// clients bundles everything a subcommand needs to talk to the same
// storage and dispatch backends gtfsd itself uses, so enqueueing a
// task here lands in the same queue a running daemon is draining.
type clients struct {
	cfg          *config.Config
	storage      storage.Storage
	registry     storage.FeedRegistry
	orchestrator *task.Orchestrator
	log          logger.Logger
	closeFns     []func()
}

func newClients() (*clients, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log := logger.New(logger.ConsoleWriter())

	var st storage.Storage
	var db *sql.DB
	switch cfg.Database.Driver {
	case "postgres":
		ps, err := storage.NewPSQLStorage(cfg.Database.ConnectionString, false)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		st, db = ps, ps.DB()
	default:
		ss, err := storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: cfg.Database.ConnectionString})
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		st, db = ss, ss.DB()
	}

	var taskStore storage.TaskStore
	var registry storage.FeedRegistry
	if cfg.Database.Driver == "postgres" {
		taskStore, err = storage.NewPSQLTaskStore(db)
		if err == nil {
			registry, err = storage.NewPSQLFeedRegistry(db)
		}
	} else {
		taskStore, err = storage.NewSQLiteTaskStore(db)
		if err == nil {
			registry, err = storage.NewSQLiteFeedRegistry(db)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening task/feed stores: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	dispatcher := dispatch.NewRedisDispatcher(rdb, log)
	orchestrator := task.NewOrchestrator(taskStore, dispatcher, log)

	return &clients{
		cfg:          cfg,
		storage:      st,
		registry:     registry,
		orchestrator: orchestrator,
		log:          log,
		closeFns:     []func(){func() { _ = rdb.Close() }},
	}, nil
}

func (c *clients) Close() {
	for _, fn := range c.closeFns {
		fn()
	}
}
