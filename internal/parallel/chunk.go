package parallel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fileflow/fileflow/internal/task"
)

// minChunkSplit is the smallest half alignedSplitSize will produce: below
// it, the HTTP overhead of another range request would outweigh the
// benefit.
const minChunkSplit int64 = 256 * 1024

// alignSize keeps split boundaries on a round number for readability in
// logs and byte-range headers; it carries no correctness requirement.
const alignSize int64 = 4096

// activeChunk tracks a chunk currently being fetched by a worker,
// generalizing the teacher's ActiveTask (internal/engine/concurrent/
// task.go) from a plain byte-offset task to a task.Chunk carrying its
// own child Task/URL.
type activeChunk struct {
	Chunk         task.Chunk
	CurrentOffset int64 // atomic
	StopAt        int64 // atomic

	LastActivity int64 // atomic unix nano
	Speed        float64
	SpeedMu      sync.Mutex
	StartTime    time.Time

	WindowStart time.Time
	WindowBytes int64 // atomic
}

func (a *activeChunk) RemainingBytes() int64 {
	current := atomic.LoadInt64(&a.CurrentOffset)
	stopAt := atomic.LoadInt64(&a.StopAt)
	if current >= stopAt {
		return 0
	}
	return stopAt - current
}

// RemainingChunk returns a task.Chunk for the unfinished tail of a's
// work, or nil if nothing remains (the worker loop re-queues this after
// a health-monitor cancellation).
func (a *activeChunk) RemainingChunk() *task.Chunk {
	current := atomic.LoadInt64(&a.CurrentOffset)
	stopAt := atomic.LoadInt64(&a.StopAt)
	if current >= stopAt {
		return nil
	}
	rem := a.Chunk
	rem.From = current
	rem.To = stopAt
	return &rem
}

func (a *activeChunk) GetSpeed() float64 {
	a.SpeedMu.Lock()
	defer a.SpeedMu.Unlock()
	return a.Speed
}

// alignedSplitSize returns half of remaining, aligned down to alignSize,
// or 0 if either half would fall below minChunkSplit.
func alignedSplitSize(remaining int64) int64 {
	half := (remaining / 2 / alignSize) * alignSize
	if half < minChunkSplit {
		return 0
	}
	return half
}
