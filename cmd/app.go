package cmd

import (
	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/database"
	"example.com/platform/services/eventbus/internal/publisher"
	"example.com/platform/services/eventbus/internal/replay"
	"example.com/platform/services/eventbus/internal/repository"
	"example.com/platform/services/eventbus/internal/retry"
	"example.com/platform/services/eventbus/internal/stream"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// retryDelayKey is the delay queue key holding scheduled retries.
const retryDelayKey = "bus:retries"

// app wires the shared components every command needs.
type app struct {
	cfg      config.Config
	db       *gorm.DB
	store    stream.Store
	delay    stream.DelayQueue
	registry *bus.Registry
	metadata repository.MetadataRepository
	jobs     repository.ReplayJobRepository
	pub      *publisher.Publisher
	retryMgr *retry.Manager
	replayer *replay.Engine
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}

	store, delay, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	metadata := repository.NewMetadataRepository(db)
	jobs := repository.NewReplayJobRepository(db)

	pub := publisher.New(store, metadata, cfg.Bus)
	retryMgr := retry.NewManager(store, delay, metadata, cfg.Bus, cfg.Retry)
	replayer := replay.NewEngine(store, pub, metadata, jobs, cfg.Bus, cfg.Replay)

	return &app{
		cfg:      cfg,
		db:       db,
		store:    store,
		delay:    delay,
		registry: bus.NewRegistry(),
		metadata: metadata,
		jobs:     jobs,
		pub:      pub,
		retryMgr: retryMgr,
		replayer: replayer,
	}, nil
}

// newStore selects the log store backend. An empty Redis host selects the
// in-memory store, which only makes sense for a single-process deployment.
func newStore(cfg config.Config) (stream.Store, stream.DelayQueue, error) {
	if cfg.Redis.Host == "" {
		log.Warn().Msg("No Redis host configured, using in-memory log store")
		mem := stream.NewMemoryStore()
		return mem, mem, nil
	}
	rs, err := stream.NewRedisStore(cfg.Redis, retryDelayKey)
	if err != nil {
		return nil, nil, err
	}
	return rs, rs, nil
}

func (a *app) close() {
	a.replayer.Close()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close log store")
	}
	if err := database.Close(a.db); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}
