// Package pipeline は高速パスとバックグラウンド処理の二段階で文書を抽出するオーケストレーターです。
package pipeline

import (
	"errors"
	"fmt"

	"github.com/yourusername/docstream/internal/jobs"
)

// エラーコード
const (
	CodeMalformedInput    = "MALFORMED_INPUT"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodePartialExtraction = "PARTIAL_EXTRACTION_FAILURE"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error は API 利用者に返すエラーです。Message は利用者向けの文言です。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// errorInfo はジョブに記録するエラー情報に変換します。
func errorInfo(err error) *jobs.ErrorInfo {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.Err != nil {
			msg = fmt.Sprintf("%s (%v)", apiErr.Message, apiErr.Err)
		}
		return &jobs.ErrorInfo{Code: apiErr.Code, Message: msg}
	}
	return &jobs.ErrorInfo{Code: CodeInternal, Message: err.Error()}
}
