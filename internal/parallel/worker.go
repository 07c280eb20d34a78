package parallel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/fileflow/fileflow/internal/task"
	"github.com/fileflow/fileflow/internal/utils"

	"github.com/google/uuid"
)

// bufSize matches the teacher's pooled worker buffer
// (internal/engine/concurrent/downloader.go bufPool), sized for a single
// HTTP response body read per iteration.
const bufSize = 32 * 1024

// runChild drives one chunk child from the holding-queue scheduler's
// release to completion: it downloads rec's byte range, retrying
// in-place with exponential backoff like any other task attempt. ctx is
// this child's own scheduler-managed context, canceled independently of
// its parent's — either by the health monitor singling it out as slow,
// or by the parent's abortChildren tearing the whole swarm down.
// Adapted from the teacher's worker/downloadTask pair
// (internal/engine/concurrent/worker.go), generalized so each chunk
// carries its own source URL (mirror selection, SPEC_FULL.md §13) and is
// dispatched by the scheduler instead of pulled from a private queue.
func (s *Supervisor) runChild(ctx context.Context, rec task.TaskRecord) {
	defer s.wg.Done()

	childID := rec.Task.TaskID
	s.activeMu.Lock()
	c, ok := s.chunkByChild[childID]
	delete(s.chunkByChild, childID)
	s.activeMu.Unlock()
	if !ok {
		utils.Debug("parallel: no chunk plan found for released child %s, dropping", childID)
		return
	}

	buf := make([]byte, bufSize)
	maxRetries := s.Runtime.MaxTaskRetries
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt)) * s.Runtime.RetryBaseDelay)
		}

		now := time.Now()
		active := &activeChunk{
			Chunk:         c,
			CurrentOffset: c.From,
			StopAt:        c.To,
			LastActivity:  now.UnixNano(),
			StartTime:     now,
			WindowStart:   now,
		}
		s.activeMu.Lock()
		s.activeChunks[childID] = active
		s.activeMu.Unlock()

		lastErr = s.downloadChunk(ctx, s.file, active, buf)

		s.activeMu.Lock()
		delete(s.activeChunks, childID)
		s.activeMu.Unlock()

		if atomic.LoadInt32(&s.aborting) == 1 {
			if rem := active.RemainingChunk(); rem != nil {
				s.remainMu.Lock()
				s.remaining = append(s.remaining, *rem)
				s.remainMu.Unlock()
			}
			return
		}

		if lastErr == nil {
			return
		}

		if ctx.Err() != nil {
			// Not a parent-wide teardown (handled above): the health
			// monitor singled this child out as slow and canceled just
			// its own scheduler context. Hand the unfinished tail to a
			// fresh scheduler admission under a new id instead of
			// retrying on the same slot.
			if rem := active.RemainingChunk(); rem != nil && rem.To-rem.From > 0 {
				rem.Child.TaskID = uuid.NewString()
				s.submitChunk(*rem)
			}
			return
		}

		if current := atomic.LoadInt64(&active.CurrentOffset); current > c.From {
			c.From = current
		}
	}

	if lastErr != nil {
		utils.Debug("parallel: chunk %d-%d of %s failed after %d attempts: %v",
			c.From, c.To, s.parentID, maxRetries, lastErr)
		s.reportChunkFailure(s.parentID, c, lastErr)
	}
}

// downloadChunk issues one Range GET for active's current remaining span
// and streams the response into file at the matching offsets.
func (s *Supervisor) downloadChunk(ctx context.Context, file *os.File, active *activeChunk, buf []byte) error {
	c := active.Chunk
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", s.Runtime.UserAgent)
	start := atomic.LoadInt64(&active.CurrentOffset)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, active.Chunk.To-1))

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &task.Exception{Kind: task.ExceptionHTTPResponse, Description: "rate limited", HTTPCode: 429}
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return &task.Exception{Kind: task.ExceptionHTTPResponse, Description: "unexpected status", HTTPCode: resp.StatusCode}
	}

	offset := start
	for {
		stopAt := atomic.LoadInt64(&active.StopAt)
		if offset >= stopAt {
			return nil
		}
		remaining := stopAt - offset
		readSize := int64(len(buf))
		if readSize > remaining {
			readSize = remaining
		}

		n, readErr := io.ReadFull(resp.Body, buf[:readSize])
		if n > 0 {
			stopAt = atomic.LoadInt64(&active.StopAt)
			if offset+int64(n) > stopAt {
				n = int(stopAt - offset)
			}
			if n > 0 {
				if _, werr := file.WriteAt(buf[:n], offset); werr != nil {
					return fmt.Errorf("write error: %w", werr)
				}
				s.recordProgress(active, offset, n)
				offset += int64(n)
				atomic.StoreInt64(&active.CurrentOffset, offset)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			if offset >= atomic.LoadInt64(&active.StopAt) {
				// Everything up to StopAt is already written; the end of
				// the body is expected here, not a failure.
				return nil
			}
			return fmt.Errorf("response body ended early: %w", readErr)
		}
		if readErr != nil {
			return fmt.Errorf("read error: %w", readErr)
		}
	}
}

// recordProgress updates active's EMA speed using a 2-second sliding
// window, mirroring the teacher's worker.go speed calculation.
func (s *Supervisor) recordProgress(active *activeChunk, offset int64, n int) {
	now := time.Now()
	atomic.StoreInt64(&active.LastActivity, now.UnixNano())
	active.WindowBytes += int64(n)

	windowElapsed := now.Sub(active.WindowStart).Seconds()
	if windowElapsed >= 2.0 {
		windowBytes := active.WindowBytes
		active.WindowBytes = 0
		recentSpeed := float64(windowBytes) / windowElapsed

		active.SpeedMu.Lock()
		alpha := s.Runtime.SpeedEmaAlpha
		if active.Speed == 0 {
			active.Speed = recentSpeed
		} else {
			active.Speed = (1-alpha)*active.Speed + alpha*recentSpeed
		}
		active.SpeedMu.Unlock()

		active.WindowStart = now
	}

	s.onBytes(n)
}
