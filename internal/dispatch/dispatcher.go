package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/docstream/internal/parser"
	"github.com/yourusername/docstream/pkg/metrics"
)

// ErrChunkSkipped は同じジョブの別チャンクが失敗したため実行されなかったことを表します。
var ErrChunkSkipped = errors.New("chunk skipped after sibling failure")

// Strategy はチャンクごとの文書の開き方です。
type Strategy string

const (
	// StrategyAuto は大きな PDF なら split、それ以外は shared を選びます。
	StrategyAuto Strategy = "auto"
	// StrategyShared は各チャンクが一時ファイル全体を開きます。
	StrategyShared Strategy = "shared"
	// StrategySplit は各チャンクのページ範囲を別ファイルに切り出してから開きます（PDFのみ）。
	StrategySplit Strategy = "split"
)

// ParseStrategy は文字列を Strategy に変換します。
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategyShared:
		return StrategyShared, nil
	case StrategySplit:
		return StrategySplit, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Scratch はチャンク用の一時ファイルを払い出します。storage.Local が満たします。
type Scratch interface {
	Reserve(label, ext string) (string, error)
	Cleanup(path string)
}

// ChunkResult は1チャンクの結果です。Pages と Err のどちらか一方だけが意味を持ちます。
type ChunkResult struct {
	Chunk Chunk
	Pages []parser.PageResult
	Err   error
}

// Request は RunAll の入力です。
type Request struct {
	JobID       string
	Path        string
	PDF         bool
	Chunks      []Chunk
	Parallelism int
	Strategy    Strategy
	Priority    Priority
	// OnChunkDone は実行されたチャンクごとに、完了したワーカー上で呼ばれます。
	OnChunkDone func(ChunkResult)
}

// Dispatcher はチャンクを Pool に投入して結果をページ順に集めます。
type Dispatcher struct {
	pool           *Pool
	parser         parser.Parser
	splitter       parser.RangeSplitter
	scratch        Scratch
	splitThreshold int
	logger         *zap.Logger
}

// NewDispatcher は Dispatcher を作成します。splitter か scratch が nil の場合 split は使われません。
func NewDispatcher(pool *Pool, p parser.Parser, splitter parser.RangeSplitter, scratch Scratch, splitThreshold int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		pool:           pool,
		parser:         p,
		splitter:       splitter,
		scratch:        scratch,
		splitThreshold: splitThreshold,
		logger:         logger,
	}
}

// RunAll はすべてのチャンクを実行し、投入順（=ページ順）に結果を返します。
//
// いずれかのチャンクが失敗しても実行中のチャンクは止めませんが、まだ始まっていないチャンクは
// ErrChunkSkipped で打ち切ります。チャンクが1つだけの場合は並列度の制御を省き、プールのワーカー1つで実行します。
// プールに投入できなかったチャンクの Err は ErrPoolClosed などの投入エラーを包みます。
func (d *Dispatcher) RunAll(ctx context.Context, req Request) []ChunkResult {
	results := make([]ChunkResult, len(req.Chunks))
	if len(req.Chunks) == 0 {
		return results
	}
	strategy := d.resolveStrategy(req)

	if len(req.Chunks) == 1 {
		chunk := req.Chunks[0]
		err := d.pool.Run(ctx, req.Priority, func() {
			results[0] = d.runChunk(ctx, req, strategy, chunk)
			if req.OnChunkDone != nil {
				req.OnChunkDone(results[0])
			}
		})
		if err != nil {
			results[0] = ChunkResult{Chunk: chunk, Err: fmt.Errorf("failed to submit chunk %d: %w", chunk.Index, err)}
		}
		return results
	}

	parallelism := req.Parallelism
	if parallelism <= 0 || parallelism > d.pool.Size() {
		parallelism = d.pool.Size()
	}
	sem := make(chan struct{}, parallelism)

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)

	for i, chunk := range req.Chunks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(req.Chunks); j++ {
				results[j] = ChunkResult{Chunk: req.Chunks[j], Err: ctx.Err()}
			}
			wg.Wait()
			return results
		}

		if failed.Load() {
			results[i] = ChunkResult{Chunk: chunk, Err: ErrChunkSkipped}
			<-sem
			continue
		}

		wg.Add(1)
		err := d.pool.Submit(ctx, req.Priority, func() {
			defer wg.Done()
			defer func() { <-sem }()

			if failed.Load() {
				results[i] = ChunkResult{Chunk: chunk, Err: ErrChunkSkipped}
				return
			}
			res := d.runChunk(ctx, req, strategy, chunk)
			results[i] = res
			if res.Err != nil {
				failed.Store(true)
			}
			if req.OnChunkDone != nil {
				req.OnChunkDone(res)
			}
		})
		if err != nil {
			wg.Done()
			<-sem
			results[i] = ChunkResult{Chunk: chunk, Err: fmt.Errorf("failed to submit chunk %d: %w", chunk.Index, err)}
			failed.Store(true)
		}
	}

	wg.Wait()
	return results
}

// PageCount は文書を開いてページ数を返します。文書全体を開くため、チャンクと同じくプール上で実行します。
func (d *Dispatcher) PageCount(ctx context.Context, path string, priority Priority) (int, error) {
	var (
		count   int
		openErr error
	)
	err := d.pool.Run(ctx, priority, func() {
		defer func() {
			if r := recover(); r != nil {
				openErr = fmt.Errorf("page count panicked: %v", r)
			}
		}()
		doc, err := d.parser.Open(path)
		if err != nil {
			openErr = err
			return
		}
		defer doc.Close()
		count = doc.PageCount()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to submit page count: %w", err)
	}
	return count, openErr
}

func (d *Dispatcher) resolveStrategy(req Request) Strategy {
	if !req.PDF || d.splitter == nil || d.scratch == nil {
		return StrategyShared
	}
	switch req.Strategy {
	case StrategySplit:
		return StrategySplit
	case StrategyShared:
		return StrategyShared
	default:
		pageCount := req.Chunks[len(req.Chunks)-1].End
		if d.splitThreshold > 0 && pageCount > d.splitThreshold {
			return StrategySplit
		}
		return StrategyShared
	}
}

// runChunk は1チャンクを専用の文書ハンドルで処理します。panic はこのチャンクのエラーに変換します。
func (d *Dispatcher) runChunk(ctx context.Context, req Request, strategy Strategy, chunk Chunk) (res ChunkResult) {
	started := time.Now()
	res.Chunk = chunk

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("chunk panicked",
				zap.String("job_id", req.JobID),
				zap.Int("chunk", chunk.Index),
				zap.Any("panic", r),
			)
			res.Pages = nil
			res.Err = fmt.Errorf("chunk %d panicked: %v", chunk.Index, r)
		}
		result := "ok"
		if res.Err != nil {
			result = "error"
		}
		metrics.ObserveChunkDuration(result, time.Since(started))
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	path, offset := req.Path, 0
	if strategy == StrategySplit {
		scratch, err := d.scratch.Reserve(fmt.Sprintf("%s-chunk-%d", req.JobID, chunk.Index), ".pdf")
		if err != nil {
			res.Err = fmt.Errorf("chunk %d: %w", chunk.Index, err)
			return res
		}
		defer d.scratch.Cleanup(scratch)

		if err := d.splitter.ExtractRange(req.Path, scratch, chunk.Start, chunk.End); err != nil {
			res.Err = fmt.Errorf("chunk %d: %w", chunk.Index, err)
			return res
		}
		path, offset = scratch, chunk.Start
	}

	doc, err := d.parser.Open(path)
	if err != nil {
		res.Err = fmt.Errorf("chunk %d: %w", chunk.Index, err)
		return res
	}
	defer doc.Close()

	pages := make([]parser.PageResult, 0, chunk.Len())
	for index := chunk.Start; index < chunk.End; index++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		page, err := doc.ParsePage(index - offset)
		if err != nil {
			res.Err = fmt.Errorf("chunk %d page %d: %w", chunk.Index, index+1, err)
			return res
		}
		page.Index = index
		page.Number = index + 1
		pages = append(pages, *page)
	}

	d.logger.Debug("chunk finished",
		zap.String("job_id", req.JobID),
		zap.Int("chunk", chunk.Index),
		zap.Int("pages", len(pages)),
		zap.Duration("elapsed", time.Since(started)),
	)
	res.Pages = pages
	return res
}

// FirstError は結果の中で最初に観測されたエラーを返します。ErrChunkSkipped は原因として扱いません。
func FirstError(results []ChunkResult) error {
	var skipped error
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if errors.Is(r.Err, ErrChunkSkipped) {
			if skipped == nil {
				skipped = r.Err
			}
			continue
		}
		return r.Err
	}
	return skipped
}

// Merge は成功したチャンク結果をページ順に連結します。
func Merge(results []ChunkResult) []parser.PageResult {
	total := 0
	for _, r := range results {
		total += len(r.Pages)
	}
	pages := make([]parser.PageResult, 0, total)
	for _, r := range results {
		pages = append(pages, r.Pages...)
	}
	return pages
}
