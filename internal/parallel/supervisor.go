// Package parallel implements the parallel-download supervisor (spec
// §4.6): splitting a ParallelDownloadTask across N = chunks*len(urls)
// byte-range children, round-robining children across mirror URLs,
// submitting each child through the shared holding-queue scheduler as a
// normal citizen of the reserved "chunk" group, monitoring per-chunk
// health, and stitching the result back into one file via pre-allocated
// WriteAt. Adapted from the teacher's ConcurrentDownloader
// (internal/engine/concurrent/downloader.go).
package parallel

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/queue"
	"github.com/fileflow/fileflow/internal/resume"
	"github.com/fileflow/fileflow/internal/retry"
	"github.com/fileflow/fileflow/internal/store"
	"github.com/fileflow/fileflow/internal/task"
	"github.com/fileflow/fileflow/internal/utils"

	"github.com/google/uuid"
)

// progressSink is the subset of the store's API the supervisor uses to
// persist its own and its children's TaskRecords, declared locally to
// avoid a dependency cycle back into internal/store.
type progressSink interface {
	Put(rec task.TaskRecord, children []task.Chunk) error
	Get(id string) (task.TaskRecord, bool, error)
	Children(parentID string) ([]task.Chunk, error)
}

// Supervisor orchestrates one ParallelDownloadTask's children.
type Supervisor struct {
	Runtime *config.RuntimeConfig
	Store   progressSink
	Hub     *events.Hub
	Retry   *retry.Controller
	Client  *http.Client
	Queue   *queue.Scheduler

	file    *os.File
	updates task.UpdatesConfig

	activeMu     sync.Mutex
	activeChunks map[string]*activeChunk
	chunkByChild map[string]task.Chunk // submitted, not yet picked up by runChild

	wg       sync.WaitGroup
	aborting int32 // atomic bool: parent ctx canceled, stop requeuing slow children

	remainMu  sync.Mutex
	remaining []task.Chunk // unfinished spans, gathered on pause/cancel for persistRemaining

	downloaded int64 // atomic, bytes written across all children
	totalSize  int64
	parentID   string
	group      string
	throttle   events.Throttle
	ema        events.EMASpeed

	speedMu     sync.Mutex
	windowStart time.Time
	windowBytes int64

	failMu   sync.Mutex
	failed   []error // permanently-failed children, retries exhausted
	notFound []error // children whose server response was 404
}

// NewSupervisor constructs a Supervisor wired to the engine's shared
// store, event hub, retry controller and holding-queue scheduler — the
// same Scheduler instance top-level tasks go through, so chunk children
// are genuinely counted against maxConcurrent/maxConcurrentByHost/
// maxConcurrentByGroup (spec §4.3) instead of running in a supervisor-
// private worker pool invisible to those caps.
func NewSupervisor(rt *config.RuntimeConfig, st *store.Store, hub *events.Hub, retryCtl *retry.Controller, client *http.Client, sched *queue.Scheduler) *Supervisor {
	return &Supervisor{
		Runtime:      rt,
		Store:        st,
		Hub:          hub,
		Retry:        retryCtl,
		Client:       client,
		Queue:        sched,
		activeChunks: make(map[string]*activeChunk),
	}
}

// Run downloads rec.Task (must be a ParallelDownloadTask) to completion,
// probing the first URL only (its size and range support stand for every
// mirror), planning the chunk set (or resuming a persisted one),
// submitting every child through the scheduler, running the health
// monitor, performing the final atomic rename, and then persisting and
// publishing the parent's complete status.
func (s *Supervisor) Run(ctx context.Context, rec task.TaskRecord) error {
	t := rec.Task
	urls := t.URLs
	if len(urls) == 0 {
		urls = []string{t.EffectiveURL()}
	}

	probe, err := resume.ProbeServer(ctx, s.Client, s.Runtime, urls[0], t.Headers, t.Filename)
	if err != nil {
		return err
	}
	if !probe.SupportsRange {
		return &task.Exception{Kind: task.ExceptionResume, Description: "server does not support range requests, cannot parallelize"}
	}

	fileSize := probe.FileSize
	if fileSize <= 0 && t.KnownContentLength > 0 {
		fileSize = t.KnownContentLength
	}
	s.totalSize = fileSize
	s.parentID = t.TaskID
	s.group = t.Group
	s.updates = t.Updates
	filename := t.Filename
	if filename == "" {
		filename = probe.Filename
	}
	destPath := filepath.Join(t.Directory, filename)
	workingPath := destPath + ".part"

	chunks, resuming, err := s.planChunks(rec, urls, fileSize)
	if err != nil {
		return err
	}

	outFile, err := os.OpenFile(workingPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create working file: %w", err)
	}
	defer outFile.Close()
	if !resuming {
		if err := outFile.Truncate(fileSize); err != nil {
			return fmt.Errorf("preallocate: %w", err)
		}
	}
	s.file = outFile
	s.chunkByChild = make(map[string]task.Chunk, len(chunks))
	s.remaining = nil
	atomic.StoreInt32(&s.aborting, 0)

	register(s.parentID, s)
	defer unregister(s.parentID)

	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()
	go s.runHealthMonitor(healthCtx)

	for _, c := range chunks {
		s.submitChunk(c)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.abortChildren()
		<-done
	}

	if ctx.Err() != nil {
		s.persistRemaining(rec)
		return ctx.Err()
	}

	if failed, notFound := s.childFailures(); len(failed)+len(notFound) > 0 {
		return s.failParent(rec, failed, notFound)
	}

	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	outFile.Close()

	if err := utils.RenameOrCopy(workingPath, destPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	rec.Status = task.StatusComplete
	rec.Progress = 1.0
	rec.ExpectedFileSize = fileSize
	rec.Exception = nil
	if s.Store != nil {
		if err := s.Store.Put(rec, nil); err != nil {
			utils.Debug("parallel: failed to persist completion for %s: %v", t.TaskID, err)
		}
	}
	if s.Hub != nil && s.updates.WantsStatus() {
		s.Hub.Publish(events.NewStatusUpdate(t.TaskID, t.Group, task.StatusComplete, nil))
	}
	utils.Debug("parallel: %s complete -> %s", t.TaskID, destPath)
	return nil
}

// submitChunk registers c's child task so runChild can find its byte
// range back, then enqueues it through the shared scheduler exactly like
// any other task — the scheduler releases it into internal/engine.run,
// which routes task.Task.IsChunk() records to RunChunk.
func (s *Supervisor) submitChunk(c task.Chunk) {
	s.activeMu.Lock()
	s.chunkByChild[c.Child.TaskID] = c
	s.activeMu.Unlock()

	s.wg.Add(1)
	s.Queue.Enqueue(task.NewRecord(c.Child))
}

// abortChildren runs once, when Run's ctx is canceled (the parent
// ParallelDownloadTask was paused or canceled): it cancels every running
// child's own scheduler context and evicts every submitted-but-not-yet-
// released child from the holding queue, recording each one's unfinished
// span for persistRemaining. Each released task's scheduler context is
// independent of the parent's, so without this, already-running children
// would keep streaming after Run returns.
func (s *Supervisor) abortChildren() {
	atomic.StoreInt32(&s.aborting, 1)

	s.activeMu.Lock()
	runningIDs := make([]string, 0, len(s.activeChunks))
	for id := range s.activeChunks {
		runningIDs = append(runningIDs, id)
	}
	parkedIDs := make([]string, 0, len(s.chunkByChild))
	parkedChunks := make([]task.Chunk, 0, len(s.chunkByChild))
	for id, c := range s.chunkByChild {
		parkedIDs = append(parkedIDs, id)
		parkedChunks = append(parkedChunks, c)
		delete(s.chunkByChild, id)
	}
	s.activeMu.Unlock()

	for _, id := range runningIDs {
		s.Queue.CancelRunning(id)
	}
	for _, id := range parkedIDs {
		s.Queue.CancelParked(id)
	}

	if len(parkedChunks) > 0 {
		s.remainMu.Lock()
		s.remaining = append(s.remaining, parkedChunks...)
		s.remainMu.Unlock()
		for range parkedChunks {
			// These never reached runChild (CancelParked pulled them out
			// of the holding queue before release), so nothing will ever
			// call wg.Done() for them.
			s.wg.Done()
		}
	}
}

// planChunks either resumes a persisted child set (spec §4.6 resume path)
// or plans a fresh one: N = chunks*len(urls), chunkSize = ceil(size/N),
// children assigned round-robin across urls by index (SPEC_FULL.md §13).
func (s *Supervisor) planChunks(rec task.TaskRecord, urls []string, fileSize int64) ([]task.Chunk, bool, error) {
	if s.Store != nil {
		if existing, err := s.Store.Children(rec.Task.TaskID); err == nil && len(existing) > 0 {
			return existing, true, nil
		}
	}

	chunksPerURL := rec.Task.ChunkCount
	if chunksPerURL < 1 {
		chunksPerURL = 1
	}
	n := int64(chunksPerURL * len(urls))
	if n < 1 {
		n = 1
	}
	chunkSize := int64(math.Ceil(float64(fileSize) / float64(n)))
	if chunkSize < 1 {
		chunkSize = fileSize
	}

	var chunks []task.Chunk
	i := 0
	for offset := int64(0); offset < fileSize; offset += chunkSize {
		end := offset + chunkSize
		if end > fileSize {
			end = fileSize
		}
		url := urls[i%len(urls)]
		childID := uuid.NewString()
		chunks = append(chunks, task.Chunk{
			ParentTaskID: rec.Task.TaskID,
			URL:          url,
			Filename:     rec.Task.Filename,
			From:         offset,
			To:           end,
			Child: task.Task{
				TaskID:        childID,
				Type:          task.TypeDownload,
				URL:           url,
				Headers:       rec.Task.Headers,
				BaseDirectory: rec.Task.BaseDirectory,
				Directory:     rec.Task.Directory,
				Filename:      rec.Task.Filename,
				Group:         "chunk",
				Priority:      rec.Task.Priority,
				MetaData:      map[string]string{"parentTaskId": rec.Task.TaskID},
				CreationTime:  rec.Task.CreationTime,
			},
		})
		i++
	}
	return chunks, false, nil
}

func (s *Supervisor) runHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

// persistRemaining persists every span abortChildren and runChild's
// abort path recorded as unfinished, so a resumed attempt replays exactly
// those ranges instead of re-planning from scratch.
func (s *Supervisor) persistRemaining(rec task.TaskRecord) {
	if s.Store == nil {
		return
	}
	s.remainMu.Lock()
	remaining := append([]task.Chunk(nil), s.remaining...)
	s.remainMu.Unlock()

	rec.Status = task.StatusPaused
	if err := s.Store.Put(rec, remaining); err != nil {
		utils.Debug("parallel: failed to persist remaining chunks for %s: %v", rec.Task.TaskID, err)
	}
}

// onBytes aggregates a completed write across all children and, once a
// 2-second speed-sampling window closes, folds the swarm-wide throughput
// into the EMA and emits a throttled progress update for the parent
// ParallelDownloadTask (spec §4.4/§4.8). The window exists because a
// single write's instantaneous rate is not a speed sample; only bytes
// over elapsed wall time is.
func (s *Supervisor) onBytes(n int) {
	total := atomic.AddInt64(&s.downloaded, int64(n))

	s.speedMu.Lock()
	if s.windowStart.IsZero() {
		s.windowStart = time.Now()
	}
	s.windowBytes += int64(n)
	elapsed := time.Since(s.windowStart).Seconds()
	var speed float64
	closed := elapsed >= 2.0
	if closed {
		speed = s.ema.Update(float64(s.windowBytes) / elapsed)
		s.windowBytes = 0
		s.windowStart = time.Now()
	} else {
		speed = s.ema.Value()
	}
	s.speedMu.Unlock()

	if !closed || s.Hub == nil || s.totalSize <= 0 || !s.updates.WantsProgress() {
		return
	}
	progress := float64(total) / float64(s.totalSize)
	if emitted, ok := s.throttle.ShouldEmit(progress); ok {
		remaining := events.UnknownTimeRemaining
		if speed > 0 {
			remaining = time.Duration(float64(s.totalSize-total) / speed * float64(time.Second))
		}
		s.Hub.Publish(events.NewProgressUpdate(s.parentID, s.group, emitted, s.totalSize, speed/(1<<20), remaining))
	}
}

func (s *Supervisor) reportChunkFailure(parentID string, c task.Chunk, err error) {
	utils.Debug("parallel: chunk %s of parent %s failed permanently: %v", c.Child.TaskID, parentID, err)

	exc := asException(err)
	status := task.StatusFailed

	s.failMu.Lock()
	if exc.HTTPCode == http.StatusNotFound {
		status = task.StatusNotFound
		s.notFound = append(s.notFound, err)
	} else {
		s.failed = append(s.failed, err)
	}
	s.failMu.Unlock()

	if s.Hub != nil && s.updates.WantsStatus() {
		s.Hub.Publish(events.NewStatusUpdate(c.Child.TaskID, "chunk", status, exc))
	}
}

// childFailures returns the permanently-failed and notFound children
// accumulated so far, for the parent-status aggregation in Run (spec
// §4.6: parent is notFound if any child is notFound, else failed if any
// child exhausted retries, else complete iff every child completed).
func (s *Supervisor) childFailures() (failed, notFound []error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return append([]error(nil), s.failed...), append([]error(nil), s.notFound...)
}

// failParent sets rec's terminal status from the aggregated child
// outcomes, persists it, publishes the parent-level status update and
// returns the representative error.
func (s *Supervisor) failParent(rec task.TaskRecord, failed, notFound []error) error {
	var exc *task.Exception
	if len(notFound) > 0 {
		// notFound is a dedicated terminal status, not an exception (spec
		// §7): the parent record carries no Exception for it, even though
		// the representative child failure is still returned to the caller.
		rec.Status = task.StatusNotFound
		rec.Progress = task.ProgressNotFound
		rec.Exception = nil
		exc = asException(notFound[0])
	} else {
		rec.Status = task.StatusFailed
		rec.Progress = task.ProgressFailed
		exc = asException(failed[0])
		rec.Exception = exc
	}

	if s.Store != nil {
		if err := s.Store.Put(rec, nil); err != nil {
			utils.Debug("parallel: failed to persist terminal state for %s: %v", rec.Task.TaskID, err)
		}
	}
	if s.Hub != nil && s.updates.WantsStatus() {
		s.Hub.Publish(events.NewStatusUpdate(rec.Task.TaskID, rec.Task.Group, rec.Status, rec.Exception))
	}
	return exc
}

func asException(err error) *task.Exception {
	if exc, ok := err.(*task.Exception); ok {
		return exc
	}
	return &task.Exception{Kind: task.ExceptionConnection, Description: err.Error()}
}
