// Package dispatch はページ範囲をチャンクに分割し、プロセス共通のワーカープールで並列に抽出します。
package dispatch

import "fmt"

// Chunk は文書の連続したページ範囲 [Start, End) です（0始まり）。
type Chunk struct {
	Index int `json:"index"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len はチャンクに含まれるページ数を返します。
func (c Chunk) Len() int {
	return c.End - c.Start
}

// Plan は [0, pageCount) を最大 chunkSize ページのチャンクに分割します。
// 最後のチャンクだけが短くなることがあり、順序はページ順です。
func Plan(pageCount, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if pageCount < 0 {
		return nil, fmt.Errorf("page count must not be negative, got %d", pageCount)
	}

	chunks := make([]Chunk, 0, (pageCount+chunkSize-1)/chunkSize)
	for start := 0; start < pageCount; start += chunkSize {
		end := min(start+chunkSize, pageCount)
		chunks = append(chunks, Chunk{Index: len(chunks), Start: start, End: end})
	}
	return chunks, nil
}
