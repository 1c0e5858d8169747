package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/docstream/internal/config"
	"github.com/yourusername/docstream/internal/dispatch"
	"github.com/yourusername/docstream/internal/jobs"
	"github.com/yourusername/docstream/internal/pipeline"
	"github.com/yourusername/docstream/pkg/log"
)

var (
	extractChunkSize   int
	extractParallelism int
	extractQuality     string
	extractStrategy    string
	extractThumbnail   bool
	extractTOC         bool
	extractOutputPath  string
)

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract a document in-process and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func init() {
	extractCmd.Flags().IntVar(&extractChunkSize, "chunk-size", 0, "pages per chunk (default DEFAULT_CHUNK_SIZE)")
	extractCmd.Flags().IntVar(&extractParallelism, "parallelism", 0, "max chunks in flight for this job (0 = worker count)")
	extractCmd.Flags().StringVar(&extractQuality, "quality", string(jobs.QualityMedium), "thumbnail quality: low, medium, high")
	extractCmd.Flags().StringVar(&extractStrategy, "strategy", string(dispatch.StrategyAuto), "chunk strategy: auto, shared, split")
	extractCmd.Flags().BoolVar(&extractThumbnail, "thumbnail", true, "render a first page thumbnail")
	extractCmd.Flags().BoolVar(&extractTOC, "toc", true, "extract the table of contents")
	extractCmd.Flags().StringVarP(&extractOutputPath, "output", "o", "", "write the final job JSON to this file instead of stdout")
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := log.InitLog(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stderr := cmd.ErrOrStderr()
	a, err := newApp(ctx, cfg, logger, appOptions{
		queueBackend: config.BackendMemory,
		jobStore:     config.BackendMemory,
		mirror:       &progressPrinter{w: stderr},
	})
	if err != nil {
		return err
	}

	file, err := os.Open(args[0])
	if err != nil {
		_ = a.shutdown(context.Background())
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}

	jobCfg := a.orchestrator.DefaultConfig()
	if extractChunkSize > 0 {
		jobCfg.ChunkSize = extractChunkSize
	}
	jobCfg.Parallelism = extractParallelism
	jobCfg.Quality = jobs.Quality(extractQuality)
	jobCfg.Strategy = dispatch.Strategy(extractStrategy)
	jobCfg.Thumbnail = extractThumbnail
	jobCfg.TOC = extractTOC

	result, err := a.orchestrator.Submit(ctx, pipeline.Upload{Filename: filepath.Base(args[0]), Body: file}, jobCfg)
	if err != nil {
		_ = a.shutdown(context.Background())
		return err
	}
	fmt.Fprintf(stderr, "job %s accepted (%s)\n", result.JobID, result.Status)

	// バックグラウンド処理の完了を待つ。シグナル受信時は実行中の処理を中断する
	if err := a.shutdown(ctx); err != nil {
		logger.Warn("extraction interrupted", zap.Error(err))
	}

	job, err := a.orchestrator.Status(context.Background(), result.JobID)
	if err != nil {
		return err
	}
	if err := writeJobJSON(cmd.OutOrStdout(), extractOutputPath, job); err != nil {
		return err
	}
	if job.Status != jobs.StatusCompleted {
		return fmt.Errorf("job %s finished with status %s", job.ID, job.Status)
	}
	return nil
}

func writeJobJSON(stdout io.Writer, path string, job *jobs.Job) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

// progressPrinter はジョブの状態変化を1行ずつ書き出すミラーです。
type progressPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	progress int
	status   jobs.Status
}

func (p *progressPrinter) Save(_ context.Context, job *jobs.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job.Progress == p.progress && job.Status == p.status {
		return nil
	}
	p.progress, p.status = job.Progress, job.Status
	_, err := fmt.Fprintf(p.w, "%3d%% %s\n", job.Progress, job.Status)
	return err
}

func (p *progressPrinter) Load(context.Context, string) (*jobs.Job, error) {
	return nil, nil
}
