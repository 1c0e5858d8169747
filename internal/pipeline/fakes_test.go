package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/docstream/internal/dispatch"
	"github.com/yourusername/docstream/internal/jobs"
	"github.com/yourusername/docstream/internal/parser"
	"github.com/yourusername/docstream/internal/storage"
)

// fakePDF は fakeParser が解釈できる PDF 風のバイト列を作ります。
// "pages=N" でページ数、"failpage=K" で失敗するページ、"broken" で開けない文書を表します。
func fakePDF(pages int, extra ...string) []byte {
	return []byte(fmt.Sprintf("%%PDF-1.7\n%% pages=%d %s\n", pages, strings.Join(extra, " ")))
}

type fakeDoc struct {
	pages    int
	failPage int
}

// fakeParser は先頭のトークンから文書を組み立てる Parser です。
type fakeParser struct {
	mu          sync.Mutex
	openedSizes []int
}

func (p *fakeParser) Open(path string) (parser.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.openedSizes = append(p.openedSizes, len(data))
	p.mu.Unlock()
	return parseFake(data)
}

func (p *fakeParser) OpenBytes(data []byte) (parser.Document, error) {
	return parseFake(data)
}

func (p *fakeParser) sizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.openedSizes...)
}

func parseFake(data []byte) (parser.Document, error) {
	doc := fakeDoc{pages: -1, failPage: -1}
	for _, field := range strings.Fields(string(data)) {
		if field == "broken" {
			return nil, errors.New("cannot parse xref")
		}
		if v, ok := strings.CutPrefix(field, "pages="); ok {
			doc.pages, _ = strconv.Atoi(v)
		}
		if v, ok := strings.CutPrefix(field, "failpage="); ok {
			doc.failPage, _ = strconv.Atoi(v)
		}
	}
	if doc.pages < 0 {
		return nil, errors.New("truncated document")
	}
	return &fakeDocument{doc: doc}, nil
}

type fakeDocument struct {
	doc fakeDoc
}

func (d *fakeDocument) PageCount() int { return d.doc.pages }

func (d *fakeDocument) Metadata() (*parser.Metadata, error) {
	return &parser.Metadata{
		Title:     parser.NewField("Fake Document"),
		PageCount: d.doc.pages,
	}, nil
}

func (d *fakeDocument) TOC() ([]parser.TOCEntry, error) {
	toc := make([]parser.TOCEntry, 60)
	for i := range toc {
		toc[i] = parser.TOCEntry{Title: fmt.Sprintf("Section %d", i+1), Page: i + 1, Level: 1}
	}
	return toc, nil
}

func (d *fakeDocument) Thumbnail(parser.ThumbnailOptions) ([]byte, error) {
	return []byte{0xff, 0xd8, 0xff}, nil
}

func (d *fakeDocument) ParsePage(index int) (*parser.PageResult, error) {
	if index == d.doc.failPage {
		return nil, fmt.Errorf("page %d is corrupt", index)
	}
	if index < 0 || index >= d.doc.pages {
		return nil, fmt.Errorf("page index %d out of range", index)
	}
	return &parser.PageResult{Index: index, Number: index + 1, Text: fmt.Sprintf("page %d", index+1)}, nil
}

func (d *fakeDocument) Close() error { return nil }

// recordingMirror はジョブごとのスナップショット履歴を記録します。
type recordingMirror struct {
	mu    sync.Mutex
	order []string
	saved map[string][]jobs.Job
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{saved: make(map[string][]jobs.Job)}
}

func (m *recordingMirror) Save(_ context.Context, job *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.saved[job.ID]; !ok {
		m.order = append(m.order, job.ID)
	}
	m.saved[job.ID] = append(m.saved[job.ID], *job)
	return nil
}

func (m *recordingMirror) Load(context.Context, string) (*jobs.Job, error) {
	return nil, nil
}

func (m *recordingMirror) jobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *recordingMirror) history(id string) []jobs.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jobs.Job(nil), m.saved[id]...)
}

// idleScheduler は予約を受け付けるだけで実行しません。
type idleScheduler struct {
	scheduled []string
}

func (s *idleScheduler) Start(jobs.Handler) error { return nil }

func (s *idleScheduler) Schedule(_ context.Context, jobID string, _ dispatch.Priority) error {
	s.scheduled = append(s.scheduled, jobID)
	return nil
}

func (s *idleScheduler) Shutdown(context.Context) error { return nil }

// trackingBody は Close されたかを記録する Reader です。
type trackingBody struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (b *trackingBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *trackingBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type harness struct {
	o         *Orchestrator
	registry  *jobs.Registry
	mirror    *recordingMirror
	scheduler jobs.Scheduler
	scratch   *storage.Local
	parser    *fakeParser
	pool      *dispatch.Pool
}

type harnessOption func(*Options, *jobs.Scheduler)

func withWindow(n int) harnessOption {
	return func(o *Options, _ *jobs.Scheduler) { o.FastPathWindowBytes = n }
}

func withMaxPages(n int) harnessOption {
	return func(o *Options, _ *jobs.Scheduler) { o.MaxPages = n }
}

func withScheduler(s jobs.Scheduler) harnessOption {
	return func(_ *Options, dst *jobs.Scheduler) { *dst = s }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	scratch, err := storage.NewLocal(t.TempDir(), 64, 0, logger)
	require.NoError(t, err)
	mirror := newRecordingMirror()
	registry := jobs.NewRegistry(jobs.WithMirror(mirror), jobs.WithLogger(logger))
	t.Cleanup(func() { _ = registry.Flush(context.Background()) })

	pool := dispatch.NewPool(4, 16, logger)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	fp := &fakeParser{}
	dispatcher := dispatch.NewDispatcher(pool, fp, nil, scratch, 0, logger)

	options := Options{
		FastPathWindowBytes: 1 << 20,
		FastPathProgress:    20,
		TOCPreviewLimit:     50,
		DefaultChunkSize:    50,
		MaxChunkSize:        500,
	}
	var scheduler jobs.Scheduler = jobs.NewInlineScheduler(logger)
	for _, o := range opts {
		o(&options, &scheduler)
	}

	o, err := NewOrchestrator(registry, scratch, fp, dispatcher, scheduler, options, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = scheduler.Shutdown(context.Background()) })
	return &harness{
		o:         o,
		registry:  registry,
		mirror:    mirror,
		scheduler: scheduler,
		scratch:   scratch,
		parser:    fp,
		pool:      pool,
	}
}

// wait はスケジュール済みのバックグラウンド処理がすべて終わるまで待ちます。
func (h *harness) wait(t *testing.T) {
	t.Helper()
	require.NoError(t, h.scheduler.Shutdown(context.Background()))
	h.flush(t)
}

// flush はミラーへの書き込みが終わるまで待ちます。
func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.registry.Flush(ctx))
}

func (h *harness) scratchFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.scratch.Dir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
