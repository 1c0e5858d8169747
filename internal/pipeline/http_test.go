package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docstream/internal/dispatch"
)

func newTestRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/documents", SubmitHandler(h.o))
	router.GET("/api/documents/:id", StatusHandler(h.o))
	return router
}

// multipartRequest は設定項目をファイルより前に置いたアップロードを作ります。
func multipartRequest(t *testing.T, field, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field %s: %v", k, err)
		}
	}
	if field != "" {
		fileWriter, err := writer.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := io.Copy(fileWriter, bytes.NewReader(data)); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func withQuery(req *http.Request, query string) *http.Request {
	req.URL.RawQuery = query
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestSubmitAndStatusHandlers(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)

	req := multipartRequest(t, "file", "report.pdf", fakePDF(120), map[string]string{
		"chunkSize": "50",
		"quality":   "high",
		"priority":  "high",
		"toc":       "false",
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	submitted := decodeBody(t, rec)
	jobID, _ := submitted["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in response: %v", submitted)
	}
	if submitted["status"] != "fast_path_done" {
		t.Fatalf("unexpected status field: %v", submitted["status"])
	}
	partial, ok := submitted["partialResult"].(map[string]any)
	if !ok {
		t.Fatalf("expected partialResult object: %v", submitted)
	}
	if _, ok := partial["toc"]; ok {
		t.Fatalf("toc must be omitted when toc=false: %v", partial)
	}
	meta := partial["metadata"].(map[string]any)
	if meta["title"] != "Fake Document" || meta["author"] != nil {
		t.Fatalf("unexpected metadata: %v", meta)
	}

	h.wait(t)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/"+jobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	job := decodeBody(t, rec)
	if job["status"] != "completed" || job["progress"] != float64(100) {
		t.Fatalf("unexpected job state: status=%v progress=%v", job["status"], job["progress"])
	}
	final := job["finalResult"].(map[string]any)
	if pages := final["pages"].([]any); len(pages) != 120 {
		t.Fatalf("expected 120 pages, got %d", len(pages))
	}
	cfg := job["config"].(map[string]any)
	if cfg["priority"] != "high" || cfg["quality"] != "high" {
		t.Fatalf("config snapshot not kept: %v", cfg)
	}
}

func TestSubmitHandlerErrors(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)

	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{
			name:   "missing file",
			req:    multipartRequest(t, "", "", nil, map[string]string{"chunkSize": "10"}),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
		{
			name:   "invalid chunk size",
			req:    multipartRequest(t, "file", "a.pdf", fakePDF(1), map[string]string{"chunkSize": "abc"}),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
		{
			name:   "invalid bool",
			req:    multipartRequest(t, "file", "a.pdf", fakePDF(1), map[string]string{"thumbnail": "maybe"}),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
		{
			name:   "unknown strategy",
			req:    multipartRequest(t, "file", "a.pdf", fakePDF(1), map[string]string{"strategy": "scatter"}),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
		{
			name:   "invalid query parallelism",
			req:    withQuery(multipartRequest(t, "file", "a.pdf", fakePDF(1), nil), "parallelism=-1"),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
		{
			name:   "oversized field",
			req:    multipartRequest(t, "file", "a.pdf", fakePDF(1), map[string]string{"quality": strings.Repeat("h", 2<<10)}),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
		{
			name:   "file under another name",
			req:    multipartRequest(t, "attachment", "a.pdf", fakePDF(1), nil),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
		{
			name:   "unsupported format",
			req:    multipartRequest(t, "file", "notes.txt", []byte("plain text is not a document"), nil),
			status: http.StatusBadRequest,
			code:   CodeUnsupportedFormat,
		},
		{
			name:   "broken document",
			req:    multipartRequest(t, "file[]", "broken.pdf", fakePDF(2, "broken"), nil),
			status: http.StatusBadRequest,
			code:   CodeMalformedInput,
		},
		{
			name:   "not multipart",
			req:    httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader([]byte("{}"))),
			status: http.StatusBadRequest,
			code:   CodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, tt.req)
			if rec.Code != tt.status {
				t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
			}
			if got := decodeBody(t, rec)["code"]; got != tt.code {
				t.Fatalf("unexpected code: %v", got)
			}
		})
	}
}

func TestSubmitHandlerReadsQueryConfig(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)

	req := withQuery(multipartRequest(t, "file", "report.pdf", fakePDF(10), map[string]string{"chunkSize": "4"}),
		"chunkSize=9&strategy=shared")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	jobID := decodeBody(t, rec)["jobId"].(string)
	h.wait(t)

	job, err := h.o.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if job.Config.ChunkSize != 4 {
		t.Fatalf("form field must win over query: chunkSize=%d", job.Config.ChunkSize)
	}
	if job.Config.Strategy != dispatch.StrategyShared {
		t.Fatalf("query value not applied: strategy=%s", job.Config.Strategy)
	}
}

// flushRecorder は最初の Flush を通知します。
type flushRecorder struct {
	*httptest.ResponseRecorder
	once    sync.Once
	flushed chan struct{}
}

func (r *flushRecorder) Flush() {
	r.ResponseRecorder.Flush()
	r.once.Do(func() { close(r.flushed) })
}

func TestSubmitHandlerRespondsBeforeUploadEnds(t *testing.T) {
	h := newHarness(t, withWindow(64))
	router := newTestRouter(h)

	head := append(fakePDF(5), bytes.Repeat([]byte("y"), 8<<10)...)
	tail := bytes.Repeat([]byte("z"), 64<<10)

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", pr)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder(), flushed: make(chan struct{})}

	served := make(chan struct{})
	go func() {
		defer close(served)
		router.ServeHTTP(rec, req)
	}()

	// 応答を受け取るまで末尾を送らないクライアント
	abort := make(chan struct{})
	go func() {
		if err := writer.WriteField("chunkSize", "2"); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := writer.CreateFormFile("file", "stream.pdf")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := part.Write(head); err != nil {
			return
		}
		select {
		case <-rec.flushed:
		case <-abort:
			return
		}
		if _, err := part.Write(tail); err != nil {
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	select {
	case <-rec.flushed:
	case <-time.After(2 * time.Second):
		close(abort)
		pw.CloseWithError(errors.New("client gave up"))
		t.Fatal("handler waited for the whole upload before responding")
	}
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		pw.CloseWithError(errors.New("client gave up"))
		t.Fatal("handler did not return after the upload ended")
	}

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	jobID := decodeBody(t, rec.ResponseRecorder)["jobId"].(string)
	h.wait(t)

	job, err := h.o.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if job.Status != "completed" || len(job.Final.Pages) != 5 {
		t.Fatalf("unexpected job state: status=%s", job.Status)
	}
	for _, size := range h.parser.sizes() {
		if size != len(head)+len(tail) {
			t.Fatalf("background work saw %d bytes, want %d", size, len(head)+len(tail))
		}
	}
}

func TestStatusHandlerNotFound(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := decodeBody(t, rec)["code"]; got != CodeJobNotFound {
		t.Fatalf("unexpected code: %v", got)
	}
}

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		CodeInvalidInput:      http.StatusBadRequest,
		CodeLimitExceeded:     http.StatusRequestEntityTooLarge,
		CodeResourceExhausted: http.StatusServiceUnavailable,
		CodeJobNotFound:       http.StatusNotFound,
		CodePartialExtraction: http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusForCode(code); got != want {
			t.Fatalf("statusForCode(%s) = %d, want %d", code, got, want)
		}
	}
}
