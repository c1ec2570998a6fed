package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"syncbox/internal/logger"
	"syncbox/internal/storage"
)

// pruneSpec runs the expired-item sweep at the top of every hour,
// matching the window after which ttl'd items stop being visible.
const pruneSpec = "0 * * * *"

// Scheduler runs periodic maintenance against a storage backend.
type Scheduler struct {
	store   storage.Backend
	cron    *cron.Cron
	running bool
	mu      sync.Mutex
}

// New creates a scheduler for the given backend.
func New(store storage.Backend) *Scheduler {
	return &Scheduler{
		store: store,
		cron:  cron.New(),
	}
}

// Start registers the maintenance jobs and begins running them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	pruner, ok := s.store.(storage.Pruner)
	if !ok {
		logger.Info("backend does not support ttl pruning, scheduler idle")
	} else {
		if _, err := s.cron.AddFunc(pruneSpec, func() {
			s.pruneExpired(ctx, pruner)
		}); err != nil {
			return fmt.Errorf("failed to register prune job: %w", err)
		}
	}

	s.cron.Start()
	s.running = true

	logger.Info("Scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false

	logger.Info("Scheduler stopped")
}

func (s *Scheduler) pruneExpired(ctx context.Context, pruner storage.Pruner) {
	pruned, err := pruner.PruneExpired(ctx)
	if err != nil {
		logger.Error("Failed to prune expired items: %v", err)
		return
	}
	if pruned > 0 {
		logger.Info("Pruned %d expired items", pruned)
	}
}
