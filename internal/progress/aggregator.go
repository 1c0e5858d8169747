// Package progress はチャンクの完了数からジョブ全体の進捗率を計算します。
package progress

import "sync/atomic"

// MaxRunning は終了状態になる前に報告できる進捗の上限です。100 は終了状態専用です。
const MaxRunning = 99

// Percent は base..100 の区間で done/total チャンク完了時の進捗を返します。
func Percent(base, done, total int) int {
	if total <= 0 {
		return base
	}
	done = min(max(done, 0), total)
	return base + (100-base)*done/total
}

// Aggregator は完了チャンク数だけを数え、その都度の進捗を report に渡します。
// どのチャンクが完了したかは追跡しないため、完了順に依存しません。
type Aggregator struct {
	base   int
	total  int
	done   atomic.Int64
	report func(int)
}

// NewAggregator は Aggregator を作成します。report は複数のゴルーチンから同時に呼ばれます。
func NewAggregator(base, total int, report func(int)) *Aggregator {
	return &Aggregator{base: base, total: total, report: report}
}

// ChunkDone は完了数を1つ進め、報告した進捗を返します。
func (a *Aggregator) ChunkDone() int {
	done := int(a.done.Add(1))
	value := min(Percent(a.base, done, a.total), MaxRunning)
	if a.report != nil {
		a.report(value)
	}
	return value
}

// Done はこれまでの完了チャンク数を返します。
func (a *Aggregator) Done() int {
	return int(a.done.Load())
}
