package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/docstream/internal/dispatch"
)

const (
	taskTypeExtract = "document:extract"
)

// ErrSchedulerClosed は停止済みのスケジューラに投入されたことを表します。
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// Handler はバックグラウンド処理本体です。ジョブの失敗はレジストリに記録し、エラーとしては返しません。
type Handler func(ctx context.Context, jobID string) error

// Scheduler はバックグラウンド処理の起動を担います。
type Scheduler interface {
	Start(handler Handler) error
	Schedule(ctx context.Context, jobID string, priority dispatch.Priority) error
	Shutdown(ctx context.Context) error
}

// TaskPayload はバックグラウンド処理タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// InlineScheduler は同じプロセス内のゴルーチンでバックグラウンド処理を実行します。
type InlineScheduler struct {
	logger  *zap.Logger
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewInlineScheduler は InlineScheduler を作成します。
func NewInlineScheduler(logger *zap.Logger) *InlineScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InlineScheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start は処理本体を登録します。
func (s *InlineScheduler) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

// Schedule はジョブのバックグラウンド処理を開始します。
func (s *InlineScheduler) Schedule(_ context.Context, jobID string, _ dispatch.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.handler == nil {
		return fmt.Errorf("scheduler is not started")
	}

	handler := s.handler
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := handler(s.ctx, jobID); err != nil {
			s.logger.Error("background run failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// Shutdown は新規投入を拒否し、実行中の処理を ctx の期限まで待ちます。
// 期限を過ぎた場合は実行中の処理をキャンセルします。
func (s *InlineScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// AsynqScheduler は Asynq のタスクとしてバックグラウンド処理を実行します。
//
// 一時ファイルは受け付けたプロセスのディスクにあるため、キューはプロセスごとに名前空間を分けます。
// タスクは再試行しません。失敗はジョブの failed 状態としてのみ表れます。
type AsynqScheduler struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger

	queueHigh   string
	queueNormal string
	handler     Handler
}

// NewAsynqScheduler は AsynqScheduler を作成します。
func NewAsynqScheduler(redisURL, instance string, concurrency int, logger *zap.Logger) (*AsynqScheduler, error) {
	if instance == "" {
		return nil, errors.New("instance name is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &AsynqScheduler{
		client:      asynq.NewClient(opt),
		mux:         asynq.NewServeMux(),
		logger:      logger,
		queueHigh:   instance + ":high",
		queueNormal: instance + ":normal",
	}
	s.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				s.queueHigh:   6,
				s.queueNormal: 3,
			},
		},
	)
	s.mux.HandleFunc(taskTypeExtract, s.handleTask)
	return s, nil
}

// Start は Asynq サーバーを起動します。
func (s *AsynqScheduler) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	s.handler = handler
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	s.logger.Info("asynq scheduler started", zap.String("high", s.queueHigh), zap.String("normal", s.queueNormal))
	return nil
}

// Schedule はジョブをキューに投入します。
func (s *AsynqScheduler) Schedule(ctx context.Context, jobID string, priority dispatch.Priority) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeExtract, body)
	info, err := s.client.EnqueueContext(ctx, task, asynq.Queue(s.queueFor(priority)), asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	s.logger.Debug("job enqueued", zap.String("job_id", jobID), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。サーバーは実行中のタスクの完了を待ちます。
func (s *AsynqScheduler) Shutdown(_ context.Context) error {
	s.server.Shutdown()
	return s.client.Close()
}

func (s *AsynqScheduler) queueFor(priority dispatch.Priority) string {
	if priority == dispatch.PriorityHigh {
		return s.queueHigh
	}
	return s.queueNormal
}

func (s *AsynqScheduler) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %w", err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	if s.handler == nil {
		return fmt.Errorf("scheduler is not started")
	}
	return s.handler(ctx, payload.JobID)
}
