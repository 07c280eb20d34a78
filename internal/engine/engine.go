// Package engine wires the store, holding queue, executor, retry
// controller and parallel supervisor into the spec's Command Surface
// (§4.9): enqueue/pause/resume/cancel/reset/query, all acknowledging
// synchronously, backed by a single-writer command loop that serializes
// mutations to the holding queue and its counters. Grounded on the
// teacher's internal/core.DownloadService interface (List/Add/Pause/
// Resume/Delete/StreamEvents/GetStatus/Shutdown) and
// internal/download/pool.go's GracefulShutdown teardown ordering.
package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/executor"
	"github.com/fileflow/fileflow/internal/parallel"
	"github.com/fileflow/fileflow/internal/queue"
	"github.com/fileflow/fileflow/internal/resume"
	"github.com/fileflow/fileflow/internal/retry"
	"github.com/fileflow/fileflow/internal/store"
	"github.com/fileflow/fileflow/internal/task"
	"github.com/fileflow/fileflow/internal/utils"
)

// recentlyCanceledTTL is how long a cancel(taskId) stays recorded so a
// second cancel (or a status update racing the first) doesn't emit a
// duplicate `canceled` (spec §4.9).
const recentlyCanceledTTL = 1 * time.Second

// Engine is the facade the command-line and any future RPC surface sit
// on top of. One Engine instance owns the store, scheduler and event
// hub for the process's lifetime.
type Engine struct {
	Runtime *config.RuntimeConfig
	Store   *store.Store
	Hub     *events.Hub
	Queue   *queue.Scheduler
	Exec    *executor.Executor
	Retry   *retry.Controller
	Client  *http.Client

	mu               sync.Mutex
	recentlyCanceled map[string]time.Time
}

// New constructs an Engine. Callers must have already called
// store.Configure and config.EnsureDirs.
func New(rt *config.RuntimeConfig, st *store.Store, hub *events.Hub, client *http.Client) *Engine {
	e := &Engine{
		Runtime:          rt,
		Store:            st,
		Hub:              hub,
		Client:           client,
		Retry:            retry.NewController(),
		recentlyCanceled: make(map[string]time.Time),
	}
	e.Exec = executor.New(rt, hub, client)
	e.Queue = queue.NewScheduler(rt, hub, e.release)
	return e
}

// Start reschedules every persisted task whose status is enqueued,
// running or waitingToRetry (enqueued and running records are first
// re-persisted as enqueued); paused and terminal records are left as
// they are. Start does not replay buffered updates: Hub.Subscribe and
// Hub.SubscribeGroup hand them to each new listener.
func (e *Engine) Start() error {
	recs, err := e.Store.List("")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		switch rec.Status {
		case task.StatusRunning, task.StatusEnqueued:
			utils.Debug("engine: rescheduling killed task %s (was %s)", rec.Task.TaskID, rec.Status)
			rec.Status = task.StatusEnqueued
			if err := e.Store.Put(rec, nil); err != nil {
				utils.Debug("engine: failed to persist reschedule for %s: %v", rec.Task.TaskID, err)
				continue
			}
			e.Queue.Enqueue(rec)
		case task.StatusWaitingToRetry:
			e.Queue.Enqueue(rec)
		}
	}
	return nil
}

// Enqueue persists a freshly accepted task and admits it to the
// scheduler, returning true on success (spec §4.9 enqueue).
func (e *Engine) Enqueue(t task.Task) bool {
	rec := task.NewRecord(t)
	if err := e.Store.Put(rec, nil); err != nil {
		utils.Debug("engine: enqueue persist failed for %s: %v", t.TaskID, err)
		if e.Hub != nil {
			e.Hub.PublishEnqueueError(err)
		}
		return false
	}
	e.Queue.Enqueue(rec)
	return true
}

// Pause requests a running task stop and persist resume data, returning
// true iff the task was running and pause-capable (spec §4.9 pause).
func (e *Engine) Pause(taskID string) bool {
	rec, ok, err := e.Store.Get(taskID)
	if err != nil || !ok {
		return false
	}
	if rec.Status.IsTerminal() || !rec.Task.AllowPause {
		return false
	}
	// The store does not hold a running status; the scheduler's running
	// set decides whether the task is running.
	return e.Queue.CancelRunning(taskID)
}

// Resume re-admits a paused task to the scheduler if viable resume data
// exists, or accepts a restart otherwise (spec §4.9 resume).
func (e *Engine) Resume(taskID string) bool {
	rec, ok, err := e.Store.Get(taskID)
	if err != nil || !ok || rec.Status != task.StatusPaused {
		return false
	}
	rec.Status = task.StatusEnqueued
	if err := e.Store.Put(rec, nil); err != nil {
		utils.Debug("engine: resume persist failed for %s: %v", taskID, err)
		return false
	}
	e.Queue.Enqueue(rec)
	return true
}

// Cancel cancels every listed task: waiting-to-retry entries immediately,
// running ones via a cancel signal to the executor, and parked ones by
// removing them from the holding queue. Waiting-to-retry and parked tasks
// are persisted as canceled before Cancel returns; for a running task
// Cancel only sends the signal and does not wait for the task to reach a
// terminal status.
func (e *Engine) Cancel(taskIDs []string) {
	for _, id := range taskIDs {
		e.cancelOne(id)
	}
}

func (e *Engine) cancelOne(taskID string) {
	e.mu.Lock()
	if last, ok := e.recentlyCanceled[taskID]; ok && time.Since(last) < recentlyCanceledTTL {
		e.mu.Unlock()
		return
	}
	e.recentlyCanceled[taskID] = time.Now()
	e.mu.Unlock()

	rec, ok, err := e.Store.Get(taskID)
	if err != nil || !ok || rec.Status.IsTerminal() {
		return
	}

	e.Retry.Clear(taskID)

	if rec.Status == task.StatusWaitingToRetry || e.Queue.CancelParked(taskID) {
		rec.Status = task.StatusCanceled
		rec.Progress = task.ProgressCanceled
		if err := e.Store.Put(rec, nil); err != nil {
			utils.Debug("engine: cancel persist failed for %s: %v", taskID, err)
		}
		if e.Hub != nil && rec.Task.Updates.WantsStatus() {
			e.Hub.Publish(events.NewStatusUpdate(taskID, rec.Task.Group, task.StatusCanceled, nil))
		}
		return
	}

	e.Queue.CancelRunning(taskID) // the release goroutine's ctx.Err() path persists StatusCanceled
}

// Reset cancels every non-terminal task in group ("" for every group)
// and returns the count canceled (spec §4.9 reset).
func (e *Engine) Reset(group string) int {
	recs, err := e.Store.List(group)
	if err != nil {
		utils.Debug("engine: reset list failed for group %q: %v", group, err)
		return 0
	}
	var ids []string
	for _, rec := range recs {
		if !rec.Status.IsTerminal() {
			ids = append(ids, rec.Task.TaskID)
		}
	}
	e.Cancel(ids)
	return len(ids)
}

// TaskForID returns the current TaskRecord for id (spec §4.9 taskForId).
func (e *Engine) TaskForID(id string) (task.TaskRecord, bool) {
	rec, ok, err := e.Store.Get(id)
	if err != nil {
		utils.Debug("engine: taskForId failed for %s: %v", id, err)
		return task.TaskRecord{}, false
	}
	return rec, ok
}

// AllTasks returns every TaskRecord in group ("" for every group).
// includeWaitingToRetry=false additionally filters out waitingToRetry
// entries (spec §4.9 allTasks).
func (e *Engine) AllTasks(group string, includeWaitingToRetry bool) ([]task.TaskRecord, error) {
	recs, err := e.Store.List(group)
	if err != nil {
		return nil, err
	}
	if includeWaitingToRetry {
		return recs, nil
	}
	out := recs[:0:0]
	for _, rec := range recs {
		if rec.Status != task.StatusWaitingToRetry {
			out = append(out, rec)
		}
	}
	return out, nil
}

// TasksFinished returns every terminal TaskRecord in group ("" for every
// group), optionally skipping ignoreTaskID (spec §4.9 tasksFinished).
func (e *Engine) TasksFinished(group, ignoreTaskID string) ([]task.TaskRecord, error) {
	recs, err := e.Store.List(group)
	if err != nil {
		return nil, err
	}
	var out []task.TaskRecord
	for _, rec := range recs {
		if rec.Task.TaskID == ignoreTaskID {
			continue
		}
		if rec.Status.IsTerminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Shutdown closes the store. It does not stop the scheduler, refuse new
// work or wait for in-flight transfers.
func (e *Engine) Shutdown() {
	e.Store.Close()
}

// release is the Scheduler's ReleaseFunc: it runs one task attempt to
// completion in its own goroutine and feeds the outcome back through the
// retry controller.
func (e *Engine) release(rec task.TaskRecord, ctx context.Context) {
	go e.run(ctx, rec)
}

func (e *Engine) run(ctx context.Context, rec task.TaskRecord) {
	taskID := rec.Task.TaskID
	defer e.Queue.Finish(taskID)

	if rec.Task.IsChunk() {
		// A parallel-download chunk: a normal scheduler citizen in the
		// reserved "chunk" group (spec §4.3), routed to the Supervisor
		// that owns its parent instead of through the generic single-file
		// executor/resume/retry path below, which chunks don't use.
		parallel.RunChunk(ctx, rec)
		return
	}

	var resumeFrom int64
	var etag string
	if rd, ok, err := e.Store.LoadResumeData(taskID); err == nil && ok {
		resumeFrom = rd.RequiredStartByte
		etag = rd.ETag
	}

	var err error
	if rec.Task.Type == task.TypeParallelDownload {
		sup := parallel.NewSupervisor(e.Runtime, e.Store, e.Hub, e.Retry, e.Client, e.Queue)
		err = sup.Run(ctx, rec)
		if stored, ok, gerr := e.Store.Get(taskID); gerr == nil && ok {
			rec = stored
		}
	} else {
		rec, err = e.Exec.Execute(ctx, rec, resumeFrom, etag)
	}

	if e.Queue.IsPendingReEnqueue(taskID) {
		// A WiFi-requirement raise evicted this task mid-flight; the
		// scheduler already staged it for silent re-enqueue once WiFi
		// returns, so don't surface a user-facing terminal status.
		var paused *resume.Paused
		if errors.As(err, &paused) {
			e.Store.SaveResumeData(task.ResumeData{TaskID: taskID, RequiredStartByte: paused.RequiredStartByte, ETag: paused.ETag})
		}
		return
	}

	if err == nil {
		e.Store.Put(rec, nil)
		e.Retry.Clear(taskID)
		return
	}

	var paused *resume.Paused
	if errors.As(err, &paused) {
		if serr := e.Store.SaveResumeData(task.ResumeData{TaskID: taskID, RequiredStartByte: paused.RequiredStartByte, ETag: paused.ETag}); serr != nil {
			utils.Debug("engine: failed to persist resume data for %s: %v", taskID, serr)
		}
		if merr := e.Store.MarkPaused(taskID); merr != nil {
			utils.Debug("engine: failed to mark %s paused: %v", taskID, merr)
		}
		e.Store.Put(rec, nil)
		return
	}

	if rec.Status == task.StatusCanceled {
		e.Store.ClearPaused(taskID)
		e.Retry.Clear(taskID)
		e.Store.Put(rec, nil)
		return
	}

	e.Store.ClearPaused(taskID)

	if rec.Status == task.StatusFailed && rec.RetriesRemaining > 0 {
		rec.RetriesRemaining--
		rec.Status = task.StatusWaitingToRetry
		rec.Progress = task.ProgressWaitingToRetry
		e.Store.Put(rec, nil)
		if e.Hub != nil && rec.Task.Updates.WantsStatus() {
			e.Hub.Publish(events.NewStatusUpdate(taskID, rec.Task.Group, task.StatusWaitingToRetry, nil))
		}

		delay := retry.Backoff(rec.Task.Retries, rec.RetriesRemaining, e.Runtime.RetryBaseDelay)
		e.Retry.ScheduleRetry(taskID, delay)
		pending := rec
		time.AfterFunc(delay, func() {
			if !e.Retry.Ready(taskID) {
				return
			}
			// Ready reports "ready" for a task absent from the waiting set
			// too (e.g. Clear'd by a cancel), so re-check the persisted
			// status before reviving it.
			if current, ok, gerr := e.Store.Get(taskID); gerr == nil && ok {
				pending = current
			}
			if pending.Status != task.StatusWaitingToRetry {
				return
			}
			pending.Status = task.StatusEnqueued
			e.Store.Put(pending, nil)
			e.Queue.Enqueue(pending)
		})
		return
	}

	// Retries exhausted, or notFound, which is never retried:
	// the terminal status is already set on rec by the executor/supervisor.
	e.Retry.Clear(taskID)
	e.Store.Put(rec, nil)
}
