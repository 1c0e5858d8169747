package parser

import (
	"fmt"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// RangeSplitter はページ範囲を単独の文書ファイルとして切り出します。
type RangeSplitter interface {
	ExtractRange(src, dst string, start, end int) error
}

// PDFSplitter は pdfcpu でページ範囲を切り出す RangeSplitter です。
type PDFSplitter struct{}

// NewPDFSplitter は PDFSplitter を作成します。
func NewPDFSplitter() *PDFSplitter {
	return &PDFSplitter{}
}

// ExtractRange は [start, end) のページを dst に書き出します（start/end は0始まり）。
func (s *PDFSplitter) ExtractRange(src, dst string, start, end int) error {
	if start < 0 || end <= start {
		return fmt.Errorf("invalid page range [%d, %d)", start, end)
	}
	selection := []string{fmt.Sprintf("%d-%d", start+1, end)}
	if err := pdfapi.CollectFile(src, dst, selection, nil); err != nil {
		return fmt.Errorf("failed to collect pages %d-%d: %w", start+1, end, err)
	}
	return nil
}
