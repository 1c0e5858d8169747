package progress

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercent(t *testing.T) {
	tests := []struct {
		base, done, total int
		want              int
	}{
		{20, 0, 3, 20},
		{20, 1, 3, 46},
		{20, 2, 3, 73},
		{20, 3, 3, 100},
		{0, 1, 2, 50},
		{20, 5, 3, 100},
		{20, 0, 0, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.base, tt.done, tt.total), "%+v", tt)
	}
}

func TestAggregatorCapsBeforeTerminal(t *testing.T) {
	var got []int
	agg := NewAggregator(20, 2, func(v int) { got = append(got, v) })

	agg.ChunkDone()
	agg.ChunkDone()

	assert.Equal(t, []int{60, MaxRunning}, got)
	assert.Equal(t, 2, agg.Done())
}

func TestAggregatorConcurrentCompletions(t *testing.T) {
	const chunks = 64
	var (
		mu   sync.Mutex
		seen []int
		wg   sync.WaitGroup
	)
	agg := NewAggregator(20, chunks, func(v int) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.ChunkDone()
		}()
	}
	wg.Wait()

	assert.Equal(t, chunks, agg.Done())
	assert.Len(t, seen, chunks)

	// 各完了数 k に対応する値がちょうど1回ずつ報告される
	want := make([]int, 0, chunks)
	for k := 1; k <= chunks; k++ {
		want = append(want, min(Percent(20, k, chunks), MaxRunning))
	}
	sort.Ints(seen)
	assert.Equal(t, want, seen)
}
