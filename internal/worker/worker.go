package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chathub/internal/reconciler"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Server 封装 asynq 后台任务服务：当前只承载存储对账任务。
type Server struct {
	server *asynq.Server
	rec    *reconciler.Reconciler
}

func NewServer(redisAddr string, rec *reconciler.Reconciler) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{
			Concurrency: 2,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retry, _ := asynq.GetRetryCount(ctx)
				log.Error().Err(err).Str("task_type", task.Type()).Int("retry", retry).Msg("task failed")
			}),
		},
	)
	return &Server{server: srv, rec: rec}
}

// Start 注册处理器并运行任务服务，应在独立 goroutine 中调用。
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStorageReconcile, s.handleReconcile)
	if err := s.server.Run(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return fmt.Errorf("run worker server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) handleReconcile(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	report, err := s.rec.Run(ctx, payload.DryRun)
	if err != nil {
		return fmt.Errorf("reconcile storage units: %w", err)
	}
	log.Info().
		Bool("dry_run", payload.DryRun).
		Int("orphans", report.Orphans).
		Int("removed", report.Removed).
		Int("failed", len(report.Failed)).
		Msg("storage reconcile finished")
	return nil
}

// Scheduler 周期性入队对账任务，直到 ctx 取消。
type Scheduler struct {
	client   *asynq.Client
	interval time.Duration
}

func NewScheduler(redisAddr string, interval time.Duration) *Scheduler {
	return &Scheduler{
		client:   asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		interval: interval,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.client.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := NewReconcileTask(false)
			if err != nil {
				log.Error().Err(err).Msg("build reconcile task")
				continue
			}
			if _, err := s.client.EnqueueContext(ctx, task); err != nil {
				log.Warn().Err(err).Msg("enqueue reconcile task")
			}
		}
	}
}
