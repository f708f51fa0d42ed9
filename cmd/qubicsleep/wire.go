package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/engine"
	"github.com/denizumutdereli/qubicsleep/pkg/lifecycle"
	"github.com/denizumutdereli/qubicsleep/pkg/persistence"
	"github.com/denizumutdereli/qubicsleep/pkg/recovery"
	"github.com/denizumutdereli/qubicsleep/pkg/rhythm"
	"github.com/denizumutdereli/qubicsleep/pkg/summarizer"
)

// service is the wired consolidation stack.
type service struct {
	store     *persistence.SQLiteStore
	recovery  *recovery.Manager
	engine    *engine.Engine
	scheduler *rhythm.Scheduler
}

func openStore(cfg *core.Config) (*persistence.SQLiteStore, error) {
	store, err := persistence.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func build(cfg *core.Config, logger *zap.Logger) (*service, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	dead, err := persistence.OpenDeadLetterLog(cfg.Recovery.DeadLetterPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open dead-letter log: %w", err)
	}

	rec := recovery.NewManager(cfg.Recovery, dead, logger.Named("recovery"))
	rec.SetSampler(recovery.SystemSampler{DiskPath: filepath.Dir(cfg.Store.Path)})

	eng := engine.New(cfg, store, summarizer.New(cfg.Summarizer), rec, logger.Named("engine"))

	sched, err := rhythm.New(cfg.Scheduler, eng, logger.Named("scheduler"))
	if err != nil {
		eng.Close()
		store.Close()
		return nil, err
	}

	return &service{store: store, recovery: rec, engine: eng, scheduler: sched}, nil
}

// replay re-applies dead-lettered batches before the scheduler starts.
func (s *service) replay(ctx context.Context) (int, int, error) {
	return s.recovery.Replay(ctx, s.store.ApplyBatch)
}

func (s *service) Close() {
	s.engine.Close()
	s.store.Close()
}

func phaseNow(cfg *core.Config) lifecycle.Phase {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		loc = time.Local
	}
	return lifecycle.PhaseAt(time.Now().In(loc))
}

func deadLetterBacklog(cfg *core.Config) (int, error) {
	if _, err := os.Stat(cfg.Recovery.DeadLetterPath); err != nil {
		return 0, err
	}
	dead, err := persistence.OpenDeadLetterLog(cfg.Recovery.DeadLetterPath)
	if err != nil {
		return 0, err
	}
	return dead.Len()
}
