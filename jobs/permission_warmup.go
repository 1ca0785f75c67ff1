package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/shepherd-ops/shepherd/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PermissionWarmer is the cache surface used by the warmup job.
type PermissionWarmer interface {
	Warm(ctx context.Context) (int, error)
	Invalidate(ctx context.Context, roles ...string) error
}

// PermissionWarmupJob pre-populates the permission cache for every role.
type PermissionWarmupJob struct {
	Cache   PermissionWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
}

// NewPermissionWarmupJob wires dependencies for the warmup handler.
func NewPermissionWarmupJob(cache PermissionWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *PermissionWarmupJob {
	return &PermissionWarmupJob{Cache: cache, Logger: logger, Metrics: metrics, Timeout: time.Minute}
}

// Handle processes permission warmup tasks.
func (j *PermissionWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Cache == nil {
		return errors.New("permission warmup: handler not configured")
	}
	var payload PermissionWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskPermissionWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	logger := j.logger().With(slog.Bool("refresh", payload.Refresh))
	start := time.Now()
	if payload.Refresh {
		if err := j.Cache.Invalidate(ctx); err != nil {
			logger.Error("flush permission cache", slog.Any("error", err))
			return err
		}
	}
	warmed, err := j.Cache.Warm(ctx)
	j.metrics().AddItems(TaskPermissionWarmup, warmed)
	if err != nil {
		logger.Error("warm permission cache", slog.Int("roles", warmed), slog.Any("error", err))
		return err
	}
	logger.Info("completed permission warmup", slog.Int("roles", warmed), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *PermissionWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermissionWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPermissionWarmup))
}

func (j *PermissionWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
