package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docstream/internal/dispatch"
	"github.com/yourusername/docstream/internal/jobs"
)

// Service は HTTP ハンドラーが利用する操作です。Orchestrator が実装します。
type Service interface {
	DefaultConfig() jobs.Config
	Submit(ctx context.Context, up Upload, cfg jobs.Config) (*SubmitResult, error)
	Status(ctx context.Context, jobID string) (*jobs.Job, error)
}

// maxFieldBytes はファイル以外のフォーム項目1件あたりの上限です。
const maxFieldBytes = 1 << 10

// SubmitHandler は POST /api/documents のハンドラーを返します。
//
// アップロードはメモリにもディスクにも溜めずに読み進めます。設定項目はファイルより前のパートか、
// クエリ文字列で指定します。受付の応答を返したあとも、残りを読み終えるまでハンドラーは戻りません。
func SubmitHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reader, err := c.Request.MultipartReader()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}

		fields, part, err := readUntilFile(reader)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		cfg, err := parseConfig(formLookup(c, fields), svc.DefaultConfig())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		// HTTP/1.x で応答後もリクエストボディを読めるようにする
		if err := http.NewResponseController(c.Writer).EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			respondWithError(c, err)
			return
		}

		// パートの所有権は Submit に渡し、残りはバックグラウンドで読み込む
		body := newUploadBody(part)
		result, err := svc.Submit(c.Request.Context(), Upload{Filename: part.FileName(), Body: body}, cfg)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":         result.JobID,
			"status":        result.Status,
			"partialResult": result.Partial,
		})
		c.Writer.Flush()

		select {
		case <-body.closed:
		case <-c.Request.Context().Done():
		}
	}
}

// uploadBody はファイルパートを Upload.Body として渡します。
// Close はパートを読み捨てず、読み込みが終わったことをハンドラーに知らせるだけです。
type uploadBody struct {
	io.Reader
	once   sync.Once
	closed chan struct{}
}

func newUploadBody(r io.Reader) *uploadBody {
	return &uploadBody{Reader: r, closed: make(chan struct{})}
}

func (b *uploadBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// StatusHandler は GET /api/documents/:id のハンドラーを返します。
func StatusHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := svc.Status(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, job)
	}
}

func formLookup(c *gin.Context, fields map[string]string) func(string) string {
	return func(key string) string {
		if v, ok := fields[key]; ok {
			return v
		}
		return c.Query(key)
	}
}

func parseConfig(value func(string) string, cfg jobs.Config) (jobs.Config, error) {
	if raw := strings.TrimSpace(value("chunkSize")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return cfg, errors.New("chunkSize は正の整数で指定してください。")
		}
		cfg.ChunkSize = n
	}
	if raw := strings.TrimSpace(value("parallelism")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return cfg, errors.New("parallelism は0以上の整数で指定してください。")
		}
		cfg.Parallelism = n
	}
	if raw := strings.TrimSpace(value("quality")); raw != "" {
		cfg.Quality = jobs.Quality(strings.ToLower(raw))
	}
	if raw := strings.TrimSpace(value("priority")); raw != "" {
		cfg.Priority = dispatch.Priority(strings.ToLower(raw))
	}
	if raw := strings.TrimSpace(value("strategy")); raw != "" {
		cfg.Strategy = dispatch.Strategy(strings.ToLower(raw))
	}
	for field, dst := range map[string]*bool{"thumbnail": &cfg.Thumbnail, "toc": &cfg.TOC} {
		raw := strings.TrimSpace(value(field))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return cfg, errors.New(field + " は true または false で指定してください。")
		}
		*dst = v
	}
	return cfg, nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidInput, CodeMalformedInput, CodeUnsupportedFormat:
		return http.StatusBadRequest
	case CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeJobNotFound:
		return http.StatusNotFound
	case CodeResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readUntilFile はファイルパートが現れるまでフォーム項目を読み、ファイルパートを返します。
// ファイルより後ろのパートは読みません。
func readUntilFile(r *multipart.Reader) (map[string]string, *multipart.Part, error) {
	fields := make(map[string]string)
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("ファイルを選択してください。")
		}
		if err != nil {
			return nil, nil, errors.New("multipart/form-data の形式が正しくありません。")
		}

		name := part.FormName()
		if part.FileName() != "" {
			if name == "file" || name == "file[]" {
				return fields, part, nil
			}
			continue
		}
		if name == "" {
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		if err != nil {
			return nil, nil, errors.New("フォーム項目の読み込みに失敗しました。")
		}
		if len(value) > maxFieldBytes {
			return nil, nil, fmt.Errorf("%s の値が長すぎます。", name)
		}
		if _, ok := fields[name]; !ok {
			fields[name] = string(value)
		}
	}
}
