package parallel

import (
	"context"
	"sync"

	"github.com/fileflow/fileflow/internal/task"
)

// registry maps a ParallelDownloadTask's id to the Supervisor currently
// running it. Chunk children now flow through the same internal/queue
// Scheduler as every other task, admitted as normal scheduler citizens in
// the reserved "chunk" group (task.Task.IsChunk) so maxConcurrent/
// maxConcurrentByHost/maxConcurrentByGroup genuinely count their
// connections (spec §4.3). The Scheduler has exactly one ReleaseFunc for
// its whole lifetime, so a released chunk can't carry a bespoke per-
// enqueue callback back to its Supervisor; this registry is how
// RunChunk finds its way home instead.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*Supervisor)
)

func register(parentID string, s *Supervisor) {
	registryMu.Lock()
	registry[parentID] = s
	registryMu.Unlock()
}

func unregister(parentID string) {
	registryMu.Lock()
	delete(registry, parentID)
	registryMu.Unlock()
}

func lookup(parentID string) (*Supervisor, bool) {
	registryMu.Lock()
	s, ok := registry[parentID]
	registryMu.Unlock()
	return s, ok
}

// RunChunk is internal/engine's dispatch point for a released chunk task
// (rec.Task.IsChunk()): it looks up the Supervisor owning rec's parent
// ParallelDownloadTask and hands the child off to it. ctx is the
// scheduler's own per-task context for this child (independent of its
// parent's), canceled only by Scheduler.CancelRunning/CancelParked. A
// lookup miss (the parent already finished, or this chunk was parked from
// a previous process's run and never replanned) is a no-op: there's
// nothing left to stitch the bytes into.
func RunChunk(ctx context.Context, rec task.TaskRecord) {
	s, ok := lookup(rec.Task.ParentTaskID())
	if !ok {
		return
	}
	s.runChild(ctx, rec)
}
