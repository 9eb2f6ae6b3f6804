package main

import (
	"context"
	"fmt"

	"github.com/localfirst/syncengine/internal/config"
	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/modeldao"
	"github.com/localfirst/syncengine/internal/syncqueue"
)

// session bundles the durable-state handles every admin subcommand
// needs: the open store, the resolved config, and the sync queue DAO.
// syncctl never registers application model DAOs (those come from the
// out-of-scope code generator), so dead-letter rows are inspected and
// retried at the queue-row level only; model-table truncation during
// obliterate goes through Store.ListModelTables instead of a live
// repository registry.
type session struct {
	store localstore.Store
	cfg   config.EngineConfig
	queue *syncqueue.SyncQueue
}

func loadConfig() (config.EngineConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.EngineConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openSession(ctx context.Context) (*session, func(), error) {
	store, err := localstore.Open(ctx, dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", dbPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	sess := &session{
		store: store,
		cfg:   cfg,
		queue: syncqueue.New(store, modeldao.NewStatusRouter()),
	}
	return sess, func() { _ = store.Close() }, nil
}
