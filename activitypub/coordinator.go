package activitypub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/fedtube/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const cleanupTimeout = time.Minute

// CleanupScheduler is what the follow state machine needs from the
// coordinator: a way to start cleanup without waiting for it.
type CleanupScheduler interface {
	ScheduleRedundancyCleanup(serverId uuid.UUID)
}

// Coordinator removes video redundancies of servers we stopped following.
// Cleanups run in their own goroutines and never hold up the inbox queue.
type Coordinator struct {
	db      *db.DB
	metrics *Metrics
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewCoordinator(database *db.DB, metrics *Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{db: database, metrics: metrics, log: logger.Named("coordinator")}
}

func (c *Coordinator) ScheduleRedundancyCleanup(serverId uuid.UUID) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.removeRedundancyOf(ctx, serverId); err != nil {
			c.metrics.redundancyCleanups.WithLabelValues("failed").Inc()
			c.log.Error("Redundancy cleanup failed", zap.Stringer("server_id", serverId), zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled cleanup has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) removeRedundancyOf(ctx context.Context, serverId uuid.UUID) error {
	server, err := c.db.ReadServerById(ctx, serverId)
	if err != nil {
		return fmt.Errorf("read server: %w", err)
	}
	// a new accepted follow may have allowed redundancy again meanwhile
	if server.RedundancyAllowed {
		c.metrics.redundancyCleanups.WithLabelValues("skipped").Inc()
		return nil
	}

	n, err := c.db.DeleteRedundanciesOfServer(ctx, serverId)
	if err != nil {
		return fmt.Errorf("delete redundancies: %w", err)
	}
	c.metrics.redundancyCleanups.WithLabelValues("ok").Inc()
	if n > 0 {
		c.log.Info("Removed redundancies of unfollowed server",
			zap.String("host", server.Host),
			zap.Int64("count", n))
	}
	return nil
}

// Reconcile removes the redundancies of every server that does not allow
// them, catching up on cleanups lost to a crash or a failure.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	servers, err := c.db.ReadServersWithoutRedundancy(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	for _, s := range servers {
		if err := c.removeRedundancyOf(ctx, s.Id); err != nil {
			c.metrics.redundancyCleanups.WithLabelValues("failed").Inc()
			c.log.Error("Reconcile failed for server", zap.String("host", s.Host), zap.Error(err))
		}
	}
	return nil
}

// RunReconciler calls Reconcile now and then every interval until ctx is done.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Reconcile(ctx); err != nil {
			c.log.Error("Reconcile failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
