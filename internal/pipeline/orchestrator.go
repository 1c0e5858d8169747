package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/docstream/internal/dispatch"
	"github.com/yourusername/docstream/internal/jobs"
	"github.com/yourusername/docstream/internal/parser"
	"github.com/yourusername/docstream/internal/progress"
	"github.com/yourusername/docstream/internal/storage"
)

// Options はオーケストレーターの設定値です。
type Options struct {
	FastPathWindowBytes int
	FastPathProgress    int
	TOCPreviewLimit     int
	DefaultChunkSize    int
	MaxChunkSize        int
	MaxPages            int
}

// Scratch はジョブの一時ファイルを扱います。storage.Local が満たします。
type Scratch interface {
	Create(label string) (*storage.File, error)
	Cleanup(path string)
}

// Upload は投入されたファイルです。Body が io.Closer の場合、所有権はオーケストレーターに移ります。
type Upload struct {
	Filename string
	Body     io.Reader
}

// SubmitResult は高速パス完了時点の応答です。
type SubmitResult struct {
	JobID   string              `json:"jobId"`
	Status  jobs.Status         `json:"status"`
	Partial *jobs.PartialResult `json:"partialResult"`
}

// pendingJob はバックグラウンド処理の開始を待つジョブの資源です。
type pendingJob struct {
	id     string
	cfg    jobs.Config
	file   *storage.File
	rest   io.Reader
	format parser.Format

	once sync.Once
}

// Orchestrator は1件の文書について、一時ファイルとジョブのライフサイクルを管理します。
type Orchestrator struct {
	registry   *jobs.Registry
	scratch    Scratch
	parser     parser.Parser
	dispatcher *dispatch.Dispatcher
	scheduler  jobs.Scheduler
	opts       Options
	logger     *zap.Logger

	pending sync.Map // jobID -> *pendingJob
}

// NewOrchestrator は Orchestrator を作成し、スケジューラに処理本体を登録します。
func NewOrchestrator(
	registry *jobs.Registry,
	scratch Scratch,
	p parser.Parser,
	dispatcher *dispatch.Dispatcher,
	scheduler jobs.Scheduler,
	opts Options,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if registry == nil || scratch == nil || p == nil || dispatcher == nil || scheduler == nil {
		return nil, errors.New("orchestrator dependencies must not be nil")
	}
	if opts.FastPathWindowBytes <= 0 {
		return nil, errors.New("fast path window must be positive")
	}
	if opts.DefaultChunkSize <= 0 {
		return nil, errors.New("default chunk size must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		registry:   registry,
		scratch:    scratch,
		parser:     p,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		opts:       opts,
		logger:     logger,
	}
	if err := scheduler.Start(o.RunBackground); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	return o, nil
}

// DefaultConfig は投入時に指定がない項目の既定値です。
func (o *Orchestrator) DefaultConfig() jobs.Config {
	return jobs.Config{
		ChunkSize: o.opts.DefaultChunkSize,
		Quality:   jobs.QualityMedium,
		Priority:  dispatch.PriorityNormal,
		Strategy:  dispatch.StrategyAuto,
		Thumbnail: true,
		TOC:       true,
	}
}

// Submit はジョブを作成し、先頭ウィンドウに対して高速パスを同期的に実行します。
// 高速パスが成功した場合だけバックグラウンド処理を予約し、部分結果を返します。
func (o *Orchestrator) Submit(ctx context.Context, up Upload, cfg jobs.Config) (*SubmitResult, error) {
	started := time.Now()

	cfg, err := o.normalizeConfig(cfg)
	if err != nil {
		closeBody(up.Body)
		return nil, err
	}

	jobID, err := o.registry.Create(up.Filename, cfg)
	if err != nil {
		closeBody(up.Body)
		return nil, newError(CodeInternal, "ジョブの作成に失敗しました。", err)
	}
	logger := o.logger.With(zap.String("job_id", jobID), zap.String("filename", up.Filename))

	file, err := o.scratch.Create(jobID)
	if err != nil {
		closeBody(up.Body)
		return nil, o.failSubmit(jobID, newError(CodeResourceExhausted, "一時ファイルを作成できませんでした。", err))
	}
	p := &pendingJob{id: jobID, cfg: cfg, file: file, rest: up.Body}

	window, eof, err := readWindow(up.Body, o.opts.FastPathWindowBytes)
	if err != nil {
		o.release(p)
		return nil, o.failSubmit(jobID, newError(CodeInvalidInput, "アップロードの読み込みに失敗しました。", err))
	}
	if len(window) == 0 {
		o.release(p)
		return nil, o.failSubmit(jobID, newError(CodeMalformedInput, "空のファイルがアップロードされました。", nil))
	}
	if _, err := file.Write(window); err != nil {
		o.release(p)
		return nil, o.failSubmit(jobID, storageError(err))
	}
	if eof {
		p.rest = nil
		closeBody(up.Body)
	}

	detection := parser.Detect(window)
	if !detection.Supported {
		o.release(p)
		return nil, o.failSubmit(jobID, newError(CodeUnsupportedFormat,
			fmt.Sprintf("対応していないファイル形式です (%s)。", detection.MIMEType), nil))
	}
	p.format = detection.Format

	partial, err := o.fastPath(func() (parser.Document, error) { return o.parser.OpenBytes(window) }, cfg, detection)
	if err != nil && p.rest != nil {
		// 先頭ウィンドウだけでは開けない文書は、残りを読み切ってから再試行する
		logger.Debug("window could not be opened, draining upload", zap.Error(err))
		if _, appendErr := file.Append(ctx, p.rest); appendErr != nil {
			o.release(p)
			return nil, o.failSubmit(jobID, storageError(appendErr))
		}
		closeBody(p.rest)
		p.rest = nil
		if closeErr := file.Close(); closeErr != nil {
			o.release(p)
			return nil, o.failSubmit(jobID, newError(CodeResourceExhausted, "一時ファイルの書き込みに失敗しました。", closeErr))
		}
		partial, err = o.fastPath(func() (parser.Document, error) { return o.parser.Open(file.Path()) }, cfg, detection)
	}
	if err != nil {
		o.release(p)
		return nil, o.failSubmit(jobID, newError(CodeMalformedInput, "文書を開けませんでした。ファイルが破損していないか確認してください。", err))
	}
	partial.ElapsedMs = time.Since(started).Milliseconds()

	if err := o.registry.TransitionTo(jobID, jobs.StatusFastPathDone, jobs.Payload{Partial: partial}); err != nil {
		o.release(p)
		return nil, o.failSubmit(jobID, newError(CodeInternal, "ジョブ状態の更新に失敗しました。", err))
	}
	_ = o.registry.UpdateProgress(jobID, o.opts.FastPathProgress)

	o.pending.Store(jobID, p)
	if err := o.scheduler.Schedule(ctx, jobID, cfg.Priority); err != nil {
		if _, ok := o.pending.LoadAndDelete(jobID); ok {
			o.release(p)
		}
		return nil, o.failSubmit(jobID, newError(CodeResourceExhausted, "バックグラウンド処理を開始できませんでした。", err))
	}

	logger.Info("fast path completed",
		zap.String("format", string(detection.Format)),
		zap.Int64("elapsed_ms", partial.ElapsedMs),
		zap.Bool("streaming_rest", p.rest != nil),
	)
	return &SubmitResult{JobID: jobID, Status: jobs.StatusFastPathDone, Partial: partial}, nil
}

// Status はジョブの現在状態を返します。
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := o.registry.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, newError(CodeJobNotFound, "指定されたジョブは存在しません。", err)
		}
		return nil, newError(CodeInternal, "ジョブ情報の取得に失敗しました。", err)
	}
	return job, nil
}

// RunBackground はアップロードの残りを受け取り、全ページをチャンク単位で抽出します。
// 結果はレジストリにのみ記録し、一時ファイルはどの経路でも削除します。
func (o *Orchestrator) RunBackground(ctx context.Context, jobID string) error {
	v, ok := o.pending.LoadAndDelete(jobID)
	if !ok {
		return fmt.Errorf("job %s has no pending upload on this instance", jobID)
	}
	p := v.(*pendingJob)
	defer o.release(p)

	started := time.Now()
	logger := o.logger.With(zap.String("job_id", jobID))

	if p.rest != nil {
		n, err := p.file.Append(ctx, p.rest)
		if err != nil {
			o.fail(jobID, storageError(err))
			return nil
		}
		closeBody(p.rest)
		logger.Debug("upload remainder received", zap.Int64("bytes", n))
	}
	if err := p.file.Close(); err != nil {
		o.fail(jobID, newError(CodeResourceExhausted, "一時ファイルの書き込みに失敗しました。", err))
		return nil
	}

	if err := o.registry.TransitionTo(jobID, jobs.StatusProcessing, jobs.Payload{}); err != nil {
		logger.Warn("job cannot enter processing", zap.Error(err))
		return nil
	}

	pageCount, err := o.dispatcher.PageCount(ctx, p.file.Path(), p.cfg.Priority)
	if err != nil {
		if apiErr := poolError(err); apiErr != nil {
			o.fail(jobID, apiErr)
			return nil
		}
		o.fail(jobID, newError(CodeMalformedInput, "文書全体を開けませんでした。", err))
		return nil
	}
	if o.opts.MaxPages > 0 && pageCount > o.opts.MaxPages {
		o.fail(jobID, newError(CodeLimitExceeded, fmt.Sprintf("ページ数が上限 (%d) を超えています。", o.opts.MaxPages), nil))
		return nil
	}

	chunks, err := dispatch.Plan(pageCount, p.cfg.ChunkSize)
	if err != nil {
		o.fail(jobID, newError(CodeInvalidInput, "チャンク分割に失敗しました。", err))
		return nil
	}

	agg := progress.NewAggregator(o.opts.FastPathProgress, len(chunks), func(value int) {
		_ = o.registry.UpdateProgress(jobID, value)
	})
	var failOnce sync.Once
	results := o.dispatcher.RunAll(ctx, dispatch.Request{
		JobID:       jobID,
		Path:        p.file.Path(),
		PDF:         p.format == parser.FormatPDF,
		Chunks:      chunks,
		Parallelism: p.cfg.Parallelism,
		Strategy:    p.cfg.Strategy,
		Priority:    p.cfg.Priority,
		OnChunkDone: func(r dispatch.ChunkResult) {
			if r.Err == nil {
				agg.ChunkDone()
				return
			}
			// 最初に観測した失敗でジョブを終了させ、以降の進捗は捨てる
			failOnce.Do(func() {
				o.fail(jobID, newError(CodePartialExtraction,
					fmt.Sprintf("ページ %d-%d の抽出に失敗しました。", r.Chunk.Start+1, r.Chunk.End), r.Err))
			})
		},
	})

	if err := dispatch.FirstError(results); err != nil {
		failOnce.Do(func() {
			if apiErr := poolError(err); apiErr != nil {
				o.fail(jobID, apiErr)
				return
			}
			o.fail(jobID, newError(CodePartialExtraction, "ページの抽出に失敗しました。", err))
		})
		logger.Warn("background extraction failed", zap.Error(err))
		return nil
	}

	final := &jobs.FinalResult{
		PageCount:        pageCount,
		Pages:            dispatch.Merge(results),
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	}
	if err := o.registry.TransitionTo(jobID, jobs.StatusCompleted, jobs.Payload{Final: final}); err != nil {
		logger.Warn("job cannot complete", zap.Error(err))
		return nil
	}
	logger.Info("background extraction completed",
		zap.Int("pages", pageCount),
		zap.Int("chunks", len(chunks)),
		zap.Int64("elapsed_ms", final.ProcessingTimeMs),
	)
	return nil
}

// Shutdown はバックグラウンド処理が始まらなかったジョブを失敗させ、一時ファイルを削除します。
// スケジューラを停止した後に呼び出します。
func (o *Orchestrator) Shutdown(_ context.Context) {
	o.pending.Range(func(key, value any) bool {
		if _, ok := o.pending.LoadAndDelete(key); !ok {
			return true
		}
		p := value.(*pendingJob)
		o.fail(p.id, newError(CodeResourceExhausted, "サーバー停止のため処理を中断しました。", nil))
		o.release(p)
		return true
	})
}

func (o *Orchestrator) fastPath(open func() (parser.Document, error), cfg jobs.Config, detection parser.Detection) (*jobs.PartialResult, error) {
	doc, err := open()
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	meta, err := doc.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract metadata: %w", err)
	}
	meta.MIMEType = detection.MIMEType
	if meta.Format == "" {
		meta.Format = string(detection.Format)
	}
	partial := &jobs.PartialResult{Metadata: meta}

	if cfg.Thumbnail {
		thumb, err := doc.Thumbnail(thumbnailOptions(cfg.Quality))
		if err != nil {
			o.logger.Warn("thumbnail rendering failed", zap.Error(err))
		} else {
			partial.Thumbnail = thumb
		}
	}
	if cfg.TOC {
		toc, err := doc.TOC()
		if err != nil {
			o.logger.Warn("toc extraction failed", zap.Error(err))
		} else {
			if limit := o.opts.TOCPreviewLimit; limit > 0 && len(toc) > limit {
				toc = toc[:limit]
				partial.TOCTruncated = true
			}
			partial.TOC = toc
		}
	}
	return partial, nil
}

func (o *Orchestrator) normalizeConfig(cfg jobs.Config) (jobs.Config, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = o.opts.DefaultChunkSize
	}
	if cfg.ChunkSize < 0 || (o.opts.MaxChunkSize > 0 && cfg.ChunkSize > o.opts.MaxChunkSize) {
		return cfg, newError(CodeInvalidInput, fmt.Sprintf("chunkSize は 1 から %d の範囲で指定してください。", o.opts.MaxChunkSize), nil)
	}
	if cfg.Parallelism < 0 {
		return cfg, newError(CodeInvalidInput, "parallelism には0以上の整数を指定してください。", nil)
	}
	switch cfg.Quality {
	case "":
		cfg.Quality = jobs.QualityMedium
	case jobs.QualityLow, jobs.QualityMedium, jobs.QualityHigh:
	default:
		return cfg, newError(CodeInvalidInput, "quality には low / medium / high のいずれかを指定してください。", nil)
	}
	priority, err := dispatch.ParsePriority(string(cfg.Priority))
	if err != nil {
		return cfg, newError(CodeInvalidInput, "priority には normal / high のいずれかを指定してください。", err)
	}
	cfg.Priority = priority
	strategy, err := dispatch.ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return cfg, newError(CodeInvalidInput, "strategy には auto / shared / split のいずれかを指定してください。", err)
	}
	cfg.Strategy = strategy
	return cfg, nil
}

// fail はジョブを失敗させます。すでに終了状態の場合は何もしません。
func (o *Orchestrator) fail(jobID string, err error) {
	if terr := o.registry.TransitionTo(jobID, jobs.StatusFailed, jobs.Payload{Error: errorInfo(err)}); terr != nil {
		o.logger.Debug("failed transition ignored", zap.String("job_id", jobID), zap.Error(terr))
		return
	}
	o.logger.Warn("job failed", zap.String("job_id", jobID), zap.Error(err))
}

func (o *Orchestrator) failSubmit(jobID string, err *Error) error {
	o.fail(jobID, err)
	return err
}

// release は一時ファイルと未読のアップロードを一度だけ解放します。
func (o *Orchestrator) release(p *pendingJob) {
	p.once.Do(func() {
		if p.rest != nil {
			closeBody(p.rest)
		}
		_ = p.file.Close()
		o.scratch.Cleanup(p.file.Path())
	})
}

func readWindow(r io.Reader, size int) ([]byte, bool, error) {
	window := make([]byte, size)
	n, err := io.ReadFull(r, window)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return window[:n], true, nil
	case err != nil:
		return nil, false, err
	}
	return window, false, nil
}

func storageError(err error) *Error {
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		return newError(CodeLimitExceeded, "ファイルサイズが上限を超えています。", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeResourceExhausted, "アップロードの受信が中断されました。", err)
	default:
		return newError(CodeResourceExhausted, "一時ファイルへの書き込みに失敗しました。", err)
	}
}

// poolError はワーカープールに投入できなかったエラーを RESOURCE_EXHAUSTED に変換します。
func poolError(err error) *Error {
	switch {
	case errors.Is(err, dispatch.ErrPoolClosed):
		return newError(CodeResourceExhausted, "ワーカーが停止しているため処理できませんでした。", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeResourceExhausted, "処理が中断されました。", err)
	default:
		return nil
	}
}

func thumbnailOptions(q jobs.Quality) parser.ThumbnailOptions {
	switch q {
	case jobs.QualityLow:
		return parser.ThumbnailOptions{Quality: 50, Scale: 0.5, MaxWidth: 160}
	case jobs.QualityHigh:
		return parser.ThumbnailOptions{Quality: 90, Scale: 2, MaxWidth: 640}
	default:
		return parser.ThumbnailOptions{Quality: 75, Scale: 1, MaxWidth: 320}
	}
}

func closeBody(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}
