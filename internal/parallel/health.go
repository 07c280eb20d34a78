package parallel

import (
	"time"

	"github.com/fileflow/fileflow/internal/utils"
)

// checkHealth detects chunk workers whose throughput has fallen well
// below the swarm's mean and cancels them so their remaining byte range
// is requeued for a (hopefully faster, or differently-mirrored) worker,
// adapted from the teacher's checkWorkerHealth
// (internal/engine/concurrent/health.go).
func (s *Supervisor) checkHealth() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	if len(s.activeChunks) == 0 {
		return
	}

	var totalSpeed float64
	var speedCount int
	for _, active := range s.activeChunks {
		if speed := active.GetSpeed(); speed > 0 {
			totalSpeed += speed
			speedCount++
		}
	}
	if speedCount == 0 {
		return
	}
	meanSpeed := totalSpeed / float64(speedCount)

	grace := s.Runtime.SlowWorkerGracePeriod
	threshold := s.Runtime.SlowWorkerThreshold

	for childID, active := range s.activeChunks {
		if time.Since(active.StartTime) < grace {
			continue
		}
		workerSpeed := active.GetSpeed()
		if workerSpeed > 0 && workerSpeed < threshold*meanSpeed {
			utils.Debug("parallel: chunk %s slow (%.2f KB/s vs mean %.2f KB/s), cancelling for requeue",
				childID, workerSpeed/1024, meanSpeed/1024)
			// Cancels only this child's own scheduler context (held by
			// the Scheduler, not by activeChunk itself) — runChild
			// distinguishes this from a parent-wide abort and requeues
			// the unfinished tail as a fresh child instead of giving up.
			s.Queue.CancelRunning(childID)
		}
	}
}
