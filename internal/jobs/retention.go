// Package jobs runs scheduled maintenance against the durable store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ChatPruner deletes chat history older than a cutoff.
type ChatPruner interface {
	DeleteChatMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionConfig controls the chat retention job.
type RetentionConfig struct {
	Schedule string        // Cron schedule, e.g. "@daily" or "0 3 * * *"
	MaxAge   time.Duration // Messages older than this are deleted; zero disables the job
	Timeout  time.Duration // Bound on a single run
}

// RetentionJob prunes persisted chat messages on a schedule.
type RetentionJob struct {
	store  ChatPruner
	config RetentionConfig
	cron   *cron.Cron
	now    func() time.Time
	logger *zap.Logger
}

func NewRetentionJob(store ChatPruner, config RetentionConfig, logger *zap.Logger) *RetentionJob {
	if config.Schedule == "" {
		config.Schedule = "@daily"
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionJob{
		store:  store,
		config: config,
		cron:   cron.New(),
		now:    time.Now,
		logger: logger,
	}
}

// Start schedules the job. It is a no-op when retention is disabled.
func (j *RetentionJob) Start() error {
	if j.config.MaxAge <= 0 {
		j.logger.Info("chat retention disabled, skipping scheduler")
		return nil
	}

	_, err := j.cron.AddFunc(j.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.config.Timeout)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("chat retention run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention job: %w", err)
	}

	j.cron.Start()
	j.logger.Info("chat retention started",
		zap.String("schedule", j.config.Schedule), zap.Duration("max_age", j.config.MaxAge))
	return nil
}

// Stop halts the scheduler and waits for a running job, bounded by ctx.
func (j *RetentionJob) Stop(ctx context.Context) error {
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce deletes every message older than the configured max age.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	if j.config.MaxAge <= 0 {
		return 0, errors.New("jobs: retention max age not set")
	}

	cutoff := j.now().Add(-j.config.MaxAge)
	deleted, err := j.store.DeleteChatMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune chat messages: %w", err)
	}

	j.logger.Info("pruned chat history", zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	return deleted, nil
}
