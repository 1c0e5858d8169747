// Package jobs はジョブの状態機械と、その状態を保持するレジストリを提供します。
package jobs

import (
	"time"

	"github.com/yourusername/docstream/internal/dispatch"
	"github.com/yourusername/docstream/internal/parser"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued       Status = "queued"
	StatusFastPathDone Status = "fast_path_done"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Quality はサムネイル品質の指定です。
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Config は投入時に確定するジョブ設定です。投入後は変更されません。
type Config struct {
	ChunkSize   int               `json:"chunkSize"`
	Quality     Quality           `json:"quality"`
	Priority    dispatch.Priority `json:"priority"`
	Parallelism int               `json:"parallelism"`
	Strategy    dispatch.Strategy `json:"strategy"`
	Thumbnail   bool              `json:"thumbnail"`
	TOC         bool              `json:"toc"`
}

// PartialResult は高速パスで得られる部分結果です。
type PartialResult struct {
	Metadata     *parser.Metadata  `json:"metadata"`
	Thumbnail    []byte            `json:"thumbnail,omitempty"`
	TOC          []parser.TOCEntry `json:"toc,omitempty"`
	TOCTruncated bool              `json:"tocTruncated,omitempty"`
	ElapsedMs    int64             `json:"elapsedMs"`
}

// FinalResult は全ページ抽出の結果です。Pages はページ順に並びます。
type FinalResult struct {
	PageCount        int                 `json:"pageCount"`
	Pages            []parser.PageResult `json:"pages"`
	ProcessingTimeMs int64               `json:"processingTimeMs"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job はジョブの現在状態です。
// Partial / Final は設定後に書き換えないため、スナップショット間で共有されます。
type Job struct {
	ID          string         `json:"jobId"`
	Filename    string         `json:"filename"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Config      Config         `json:"config"`
	Partial     *PartialResult `json:"partialResult,omitempty"`
	Final       *FinalResult   `json:"finalResult,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
}

// Payload は TransitionTo で遷移先に応じて渡す結果です。
type Payload struct {
	Partial *PartialResult
	Final   *FinalResult
	Error   *ErrorInfo
}
