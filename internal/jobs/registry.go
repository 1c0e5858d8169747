package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/docstream/internal/progress"
	"github.com/yourusername/docstream/pkg/metrics"
)

const (
	maxIDAttempts = 8
	mirrorTimeout = 2 * time.Second
	defaultTTL    = 30 * time.Minute
)

var (
	// ErrNotFound は指定されたジョブが存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition は許可されていない状態遷移を表します。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Mirror はジョブのスナップショットを外部に書き出す先です。
// Save はジョブごとの書き込みゴルーチンから呼ばれ、同じジョブの書き込みは変更順に届きます。
type Mirror interface {
	Save(ctx context.Context, job *Job) error
	// Load は存在しない場合 (nil, nil) を返します。
	Load(ctx context.Context, id string) (*Job, error)
}

type entry struct {
	mu  sync.Mutex
	job Job

	// ミラーへの書き込み待ちのスナップショット
	outMu   sync.Mutex
	outbox  []Job
	writing bool
}

// Registry はすべてのジョブの状態を保持します。
// 変更はジョブ単位のロックで直列化され、異なるジョブ同士が互いを待つことはありません。
type Registry struct {
	entries sync.Map // id -> *entry
	mirror  Mirror
	logger  *zap.Logger
	ttl     time.Duration
	now     func() time.Time
	newID   func() string

	writers writerSet
}

// Option は Registry の設定を変更します。
type Option func(*Registry)

// WithMirror はスナップショットの書き出し先を設定します。
func WithMirror(m Mirror) Option {
	return func(r *Registry) {
		r.mirror = m
	}
}

// WithLogger はロガーを設定します。
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTTL は終了済みジョブを保持する期間を設定します。
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator はジョブIDの生成方法を差し替えます。
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// NewRegistry は Registry を作成します。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger: zap.NewNop(),
		ttl:    defaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create は Queued 状態のジョブを作成して ID を返します。
func (r *Registry) Create(filename string, cfg Config) (string, error) {
	now := r.now()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.newID()
		e := &entry{job: Job{
			ID:          id,
			Filename:    filename,
			Status:      StatusQueued,
			Config:      cfg,
			SubmittedAt: now,
			UpdatedAt:   now,
		}}
		e.mu.Lock()
		if _, loaded := r.entries.LoadOrStore(id, e); loaded {
			e.mu.Unlock()
			r.logger.Warn("job id collision, retrying", zap.String("job_id", id))
			continue
		}
		r.save(e)
		e.mu.Unlock()
		metrics.IncJobsSubmitted()
		return id, nil
	}
	return "", fmt.Errorf("failed to allocate a unique job id after %d attempts", maxIDAttempts)
}

// UpdateProgress は現在値以上の場合だけ進捗を更新します。終了済みのジョブへの更新は無視します。
// 100 は終了状態専用のため、それ未満に切り詰めます。
func (r *Registry) UpdateProgress(id string, value int) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	value = min(value, progress.MaxRunning)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() || value <= e.job.Progress {
		return nil
	}
	e.job.Progress = value
	e.job.UpdatedAt = r.now()
	r.save(e)
	return nil
}

// TransitionTo は状態を遷移させます。不正な遷移ではジョブを変更せずにエラーを返します。
func (r *Registry) TransitionTo(id string, to Status, payload Payload) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.job.Status
	if !isValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch to {
	case StatusCompleted:
		if payload.Final == nil {
			return fmt.Errorf("%w: completed requires a final result", ErrInvalidTransition)
		}
	case StatusFailed:
		if payload.Error == nil || payload.Error.Message == "" {
			return fmt.Errorf("%w: failed requires an error description", ErrInvalidTransition)
		}
	}

	now := r.now()
	job := &e.job
	job.Status = to
	job.UpdatedAt = now
	if payload.Partial != nil {
		job.Partial = payload.Partial
	}
	switch to {
	case StatusCompleted:
		job.Final = payload.Final
	case StatusFailed:
		errInfo := *payload.Error
		if errInfo.Code == "" {
			errInfo.Code = "INTERNAL_ERROR"
		}
		job.Error = &errInfo
	}
	if to.Terminal() {
		job.Progress = 100
		expires := now.Add(r.ttl)
		job.FinishedAt = &now
		job.ExpiresAt = &expires
		metrics.IncJobsFinished(string(to))
	}
	r.save(e)

	r.logger.Debug("job transitioned",
		zap.String("job_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// Get はジョブのスナップショットを返します。メモリにない場合はミラーを参照します。
func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		job := e.job
		e.mu.Unlock()
		return &job, nil
	}
	if r.mirror == nil {
		return nil, ErrNotFound
	}
	job, err := r.mirror.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job from mirror: %w", err)
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// Sweep は有効期限を過ぎた終了済みジョブをメモリから取り除き、件数を返します。
func (r *Registry) Sweep(now time.Time) int {
	removed := 0
	r.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		expired := e.job.Status.Terminal() && e.job.ExpiresAt != nil && !now.Before(*e.job.ExpiresAt)
		e.mu.Unlock()
		if expired {
			r.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (r *Registry) lookup(id string) (*entry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Flush はミラーへの書き込み待ちがなくなるまで待ちます。
func (r *Registry) Flush(ctx context.Context) error {
	return r.writers.wait(ctx)
}

// save はエントリのロックを保持した状態で呼びます。
// ミラーへの書き込みはジョブごとのゴルーチンが順に行うため、呼び出し元はミラーの応答を待ちません。
func (r *Registry) save(e *entry) {
	if r.mirror == nil {
		return
	}
	e.outMu.Lock()
	e.outbox = append(e.outbox, e.job)
	if e.writing {
		e.outMu.Unlock()
		return
	}
	e.writing = true
	e.outMu.Unlock()

	r.writers.start()
	go r.drain(e)
}

func (r *Registry) drain(e *entry) {
	defer r.writers.done()
	for {
		e.outMu.Lock()
		if len(e.outbox) == 0 {
			e.writing = false
			e.outMu.Unlock()
			return
		}
		batch := e.outbox
		e.outbox = nil
		e.outMu.Unlock()

		for i := range batch {
			r.write(&batch[i])
		}
	}
}

func (r *Registry) write(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.Save(ctx, job); err != nil {
		r.logger.Warn("failed to mirror job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// writerSet は実行中の書き込みゴルーチンを数えます。
type writerSet struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func (w *writerSet) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == 0 {
		w.idle = make(chan struct{})
	}
	w.active++
}

func (w *writerSet) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	if w.active == 0 {
		close(w.idle)
	}
}

func (w *writerSet) wait(ctx context.Context) error {
	w.mu.Lock()
	if w.active == 0 {
		w.mu.Unlock()
		return nil
	}
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isValidTransition は許可された状態遷移だけを通します。
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusFastPathDone || to == StatusFailed
	case StatusFastPathDone:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
