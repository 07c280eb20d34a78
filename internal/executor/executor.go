// Package executor implements the transfer executor (spec §4.4): the
// per-task state machine that drives one DownloadTask/UploadTask/
// MultiUploadTask/UriDownloadTask/UriUploadTask attempt to completion,
// pause, or failure. Adapted from the teal33t-Surge reference's
// SingleDownloader (internal/engine/single/downloader.go) generalized
// from a download-only, non-resumable loop into a Range-aware,
// upload-capable one, with EMA speed and throttled progress reporting
// folded in from the teacher's concurrent worker.
package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/resume"
	"github.com/fileflow/fileflow/internal/task"
	"github.com/fileflow/fileflow/internal/utils"
)

// bufSize is the executor's fixed 8 KiB streaming buffer; the executor
// has no per-runtime buffer-size knob of its own.
const bufSize = 8 * 1024

// Executor runs one task attempt at a time; it holds no per-task state
// between calls to Execute.
type Executor struct {
	Runtime *config.RuntimeConfig
	Hub     *events.Hub
	Client  *http.Client
}

func New(rt *config.RuntimeConfig, hub *events.Hub, client *http.Client) *Executor {
	return &Executor{Runtime: rt, Hub: hub, Client: client}
}

// Execute runs rec.Task to completion, pause, or failure. resumeFrom is
// the byte offset to continue a download from (0 for a fresh attempt),
// and previousETag is the validator observed at pause time, used to
// detect the resource changed underneath us (spec §9 Open Question,
// decided in SPEC_FULL.md §14: reject resume and restart fresh on
// mismatch).
//
// ctx cancellation is the single suspension mechanism: the copy loop
// checks ctx.Err() before every buffer read, so a pause or cancel takes
// effect within one bufSize read (well under the spec's 100ms responsiveness
// requirement for realistic network speeds).
func (e *Executor) Execute(ctx context.Context, rec task.TaskRecord, resumeFrom int64, previousETag string) (task.TaskRecord, error) {
	switch rec.Task.Type {
	case task.TypeDownload, task.TypeUriDownload:
		return e.executeDownload(ctx, rec, resumeFrom, previousETag)
	case task.TypeUpload, task.TypeMultiUpload, task.TypeUriUpload:
		return e.executeUpload(ctx, rec)
	default:
		rec.Status = task.StatusFailed
		rec.Progress = task.ProgressFailed
		rec.Exception = &task.Exception{Kind: task.ExceptionGeneral, Description: "unknown task type"}
		return rec, rec.Exception
	}
}

func (e *Executor) executeDownload(ctx context.Context, rec task.TaskRecord, resumeFrom int64, previousETag string) (task.TaskRecord, error) {
	t := rec.Task

	softCtx, cancel := context.WithTimeout(ctx, e.Runtime.SoftTimeout)
	defer cancel()

	probe, err := resume.ProbeServer(softCtx, e.Client, e.Runtime, t.EffectiveURL(), t.Headers, t.Filename)
	if err != nil {
		if ctx.Err() != nil {
			return e.pauseOrCancel(rec, ctx, resumeFrom, 0, previousETag)
		}
		return e.fail(rec, task.ExceptionConnection, err.Error(), 0)
	}

	if resumeFrom > 0 && !resume.CanResume(probe, previousETag) {
		utils.Debug("executor: %s cannot resume (range unsupported or ETag changed), restarting", t.TaskID)
		resumeFrom = 0
	}

	filename := t.Filename
	if filename == "" {
		filename = probe.Filename
	}
	destPath := filepath.Join(t.Directory, filename)
	workingPath := destPath + ".part"

	req, err := http.NewRequestWithContext(softCtx, http.MethodGet, t.EffectiveURL(), nil)
	if err != nil {
		return e.fail(rec, task.ExceptionGeneral, err.Error(), 0)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.Runtime.UserAgent)
	}
	if resumeFrom > 0 && req.Header.Get("Range") == "" {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return e.pauseOrCancel(rec, ctx, resumeFrom, probe.FileSize, probe.ETag)
		}
		return e.fail(rec, task.ExceptionConnection, err.Error(), 0)
	}
	defer resp.Body.Close()

	if exc := classifyStatus(resp.StatusCode); exc != nil {
		return e.failExceptionWithResponse(rec, exc, resp)
	}

	resuming := resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent
	if resuming && !resume.ValidateContentRange(resp.Header, resumeFrom) {
		return e.fail(rec, task.ExceptionResume, fmt.Sprintf("server's Content-Range does not start at requested byte %d, discarding this attempt", resumeFrom), 0)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resuming {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		resumeFrom = 0
	}
	outFile, err := os.OpenFile(workingPath, flags, 0o644)
	if err != nil {
		return e.fail(rec, task.ExceptionFileSystem, err.Error(), 0)
	}
	success := false
	defer func() {
		outFile.Close()
		if !success && !t.AllowPause {
			os.Remove(workingPath)
		}
	}()

	expectedSize := probe.FileSize
	if expectedSize <= 0 && t.KnownContentLength > 0 {
		expectedSize = t.KnownContentLength
	}
	written := resumeFrom
	buf := make([]byte, bufSize)
	throttle := &events.Throttle{}
	var ema events.EMASpeed
	windowStart := time.Now()
	var windowBytes int64

	for {
		select {
		case <-ctx.Done():
			return e.pauseOrCancel(rec, ctx, written, expectedSize, probe.ETag)
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := outFile.Write(buf[:n]); werr != nil {
				return e.fail(rec, task.ExceptionFileSystem, werr.Error(), 0)
			}
			written += int64(n)
			windowBytes += int64(n)

			if elapsed := time.Since(windowStart).Seconds(); elapsed >= 2.0 {
				speed := ema.Update(float64(windowBytes) / elapsed)
				windowBytes = 0
				windowStart = time.Now()
				e.emitProgress(throttle, t, written, expectedSize, speed)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				// A cancel or pause closed the body under a blocked Read.
				return e.pauseOrCancel(rec, ctx, written, expectedSize, probe.ETag)
			}
			return e.fail(rec, task.ExceptionConnection, readErr.Error(), 0)
		}
	}

	if err := outFile.Sync(); err != nil {
		return e.fail(rec, task.ExceptionFileSystem, err.Error(), 0)
	}
	outFile.Close()

	if err := utils.RenameOrCopy(workingPath, destPath); err != nil {
		return e.fail(rec, task.ExceptionFileSystem, err.Error(), 0)
	}
	success = true

	rec.Status = task.StatusComplete
	rec.Progress = 1.0
	rec.ExpectedFileSize = expectedSize
	rec.Exception = nil
	if e.Hub != nil && t.Updates.WantsStatus() {
		mimeType, charSet := utils.ParseContentType(resp.Header.Get("Content-Type"))
		e.Hub.Publish(events.Update{
			Kind: events.KindStatus, TaskID: t.TaskID, Group: t.Group,
			Status: task.StatusComplete, MimeType: mimeType, CharSet: charSet,
			ResponseCode: resp.StatusCode, ResponseHeaders: flattenHeader(resp.Header),
		})
	}
	return rec, nil
}

// pauseOrCancel distinguishes a context cancellation that means "pause"
// (AllowPause set, caller wants resume data persisted) from one that
// means the task was canceled outright (spec §4.5/§7).
func (e *Executor) pauseOrCancel(rec task.TaskRecord, ctx context.Context, written, expectedSize int64, etag string) (task.TaskRecord, error) {
	t := rec.Task
	if t.AllowPause {
		rec.Status = task.StatusPaused
		rec.Progress = task.ProgressPaused
		rec.ExpectedFileSize = expectedSize
		if e.Hub != nil && t.Updates.WantsStatus() {
			e.Hub.Publish(events.NewStatusUpdate(t.TaskID, t.Group, task.StatusPaused, nil))
		}
		return rec, resume.ErrPaused(t.TaskID, written, etag)
	}
	rec.Status = task.StatusCanceled
	rec.Progress = task.ProgressCanceled
	if e.Hub != nil && t.Updates.WantsStatus() {
		e.Hub.Publish(events.NewStatusUpdate(t.TaskID, t.Group, task.StatusCanceled, nil))
	}
	return rec, ctx.Err()
}

func (e *Executor) emitProgress(throttle *events.Throttle, t task.Task, written, expectedSize int64, speed float64) {
	if e.Hub == nil || expectedSize <= 0 || !t.Updates.WantsProgress() {
		return
	}
	progress := float64(written) / float64(expectedSize)
	if emitted, ok := throttle.ShouldEmit(progress); ok {
		remaining := events.UnknownTimeRemaining
		if speed > 0 {
			remaining = time.Duration(float64(expectedSize-written) / speed * float64(time.Second))
		}
		e.Hub.Publish(events.NewProgressUpdate(t.TaskID, t.Group, emitted, expectedSize, speed/(1<<20), remaining))
	}
}

func (e *Executor) fail(rec task.TaskRecord, kind task.ExceptionKind, description string, httpCode int) (task.TaskRecord, error) {
	return e.failException(rec, &task.Exception{Kind: kind, Description: description, HTTPCode: httpCode})
}

func (e *Executor) failException(rec task.TaskRecord, exc *task.Exception) (task.TaskRecord, error) {
	return e.failExceptionWithResponse(rec, exc, nil)
}

// failExceptionWithResponse is failException plus the response metadata
// spec §6 says accompanies complete/notFound updates when available
// (mimeType, charSet, responseStatusCode, responseHeaders).
func (e *Executor) failExceptionWithResponse(rec task.TaskRecord, exc *task.Exception, resp *http.Response) (task.TaskRecord, error) {
	switch exc.HTTPCode {
	case http.StatusNotFound:
		// notFound is a dedicated terminal status, not an exception (spec
		// §7): the record carries no Exception even though the attempt
		// failed with one.
		rec.Status = task.StatusNotFound
		rec.Progress = task.ProgressNotFound
		rec.Exception = nil
	default:
		rec.Status = task.StatusFailed
		rec.Progress = task.ProgressFailed
		rec.Exception = exc
	}
	// A failure the engine will retry is announced there as waitingToRetry,
	// so failed is published only once no retries remain.
	willRetry := rec.Status == task.StatusFailed && rec.RetriesRemaining > 0
	if e.Hub != nil && rec.Task.Updates.WantsStatus() && !willRetry {
		update := events.Update{
			Kind: events.KindStatus, TaskID: rec.Task.TaskID, Group: rec.Task.Group,
			Status: rec.Status, Exception: rec.Exception,
		}
		if resp != nil {
			update.MimeType, update.CharSet = utils.ParseContentType(resp.Header.Get("Content-Type"))
			update.ResponseCode = resp.StatusCode
			update.ResponseHeaders = flattenHeader(resp.Header)
		}
		e.Hub.Publish(update)
	}
	return rec, exc
}

// flattenHeader collapses a multi-valued http.Header into the single-
// valued map the observation pipeline's Update carries, joining repeated
// values with a comma (matching net/http's own Header.Get semantics).
func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// classifyStatus maps an HTTP response status to a terminal Exception, or
// nil if the status is 2xx (success).
func classifyStatus(code int) *task.Exception {
	switch code {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusNotFound:
		return &task.Exception{Kind: task.ExceptionHTTPResponse, Description: "not found", HTTPCode: code}
	case http.StatusTooManyRequests:
		return &task.Exception{Kind: task.ExceptionHTTPResponse, Description: "rate limited", HTTPCode: code}
	default:
		if code < 200 || code >= 300 {
			return &task.Exception{Kind: task.ExceptionHTTPResponse, Description: "unexpected status", HTTPCode: code}
		}
		return nil
	}
}
