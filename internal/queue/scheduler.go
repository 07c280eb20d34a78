// Package queue implements the holding queue / scheduler (spec §4.3):
// admitted tasks wait here, ordered by ascending priority then ascending
// creationTime, until maxConcurrent/maxConcurrentByHost/
// maxConcurrentByGroup all have headroom, at which point they're handed
// to a caller-supplied release function. Generalizes the teacher's
// WorkerPool (internal/download/pool.go) from a flat channel-fed
// worker pool into a priority-ordered, multi-cap scheduler.
package queue

import (
	"container/heap"
	"context"
	"net/url"
	"sync"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/task"
)

// ReleaseFunc is called once per task as it's released from the holding
// queue. ctx is canceled when the caller later cancels this task via
// CancelRunning.
type ReleaseFunc func(rec task.TaskRecord, ctx context.Context)

type runningEntry struct {
	rec    task.TaskRecord
	host   string
	group  string
	cancel context.CancelFunc
}

// Scheduler is the holding queue: Enqueue admits a task, Finish reports
// one has left the running set (complete, failed, paused, or canceled),
// and both trigger a release pass.
type Scheduler struct {
	rt      *config.RuntimeConfig
	hub     *events.Hub
	release ReleaseFunc

	mu      sync.Mutex
	heap    priorityHeap
	parked  map[string]*item
	running map[string]runningEntry
	byHost  map[string]int
	byGroup map[string]int
	total   int

	wifiAvailable bool
	toReEnqueue   map[string]task.TaskRecord
}

func NewScheduler(rt *config.RuntimeConfig, hub *events.Hub, release ReleaseFunc) *Scheduler {
	return &Scheduler{
		rt:            rt,
		hub:           hub,
		release:       release,
		parked:        make(map[string]*item),
		running:       make(map[string]runningEntry),
		byHost:        make(map[string]int),
		byGroup:       make(map[string]int),
		wifiAvailable: true,
		toReEnqueue:   make(map[string]task.TaskRecord),
	}
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Host
}

// Enqueue admits rec into the holding queue (or, if it requires WiFi and
// WiFi is currently unavailable, parks it directly in the re-enqueue set)
// and immediately attempts a release pass.
func (s *Scheduler) Enqueue(rec task.TaskRecord) {
	s.mu.Lock()
	if rec.Task.RequiresWiFi && !s.wifiAvailable {
		s.toReEnqueue[rec.Task.TaskID] = rec
		s.mu.Unlock()
		return
	}
	it := &item{rec: rec}
	heap.Push(&s.heap, it)
	s.parked[rec.Task.TaskID] = it
	s.mu.Unlock()

	if s.hub != nil && rec.Task.Updates.WantsStatus() {
		s.hub.Publish(events.NewStatusUpdate(rec.Task.TaskID, rec.Task.Group, task.StatusEnqueued, nil))
	}
	s.releasePass()
}

// releasePass walks the held tasks in priority order, releasing every one
// that still fits under all three caps, and re-parking the rest (spec
// §4.3: "released the instant all three caps would still be honored").
func (s *Scheduler) releasePass() {
	s.mu.Lock()
	var held []*item
	var released []task.TaskRecord

	for s.heap.Len() > 0 {
		it := heap.Pop(&s.heap).(*item)
		rec := it.rec
		host := hostOf(rec.Task.URL)
		group := rec.Task.Group

		if s.total >= s.rt.MaxConcurrent ||
			s.byHost[host] >= s.rt.MaxConcurrentByHost ||
			s.byGroup[group] >= s.rt.MaxConcurrentByGroup {
			held = append(held, it)
			continue
		}

		s.total++
		s.byHost[host]++
		s.byGroup[group]++
		delete(s.parked, rec.Task.TaskID)
		released = append(released, rec)
	}
	for _, it := range held {
		heap.Push(&s.heap, it)
	}
	s.mu.Unlock()

	for _, rec := range released {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.running[rec.Task.TaskID] = runningEntry{rec: rec, host: hostOf(rec.Task.URL), group: rec.Task.Group, cancel: cancel}
		s.mu.Unlock()

		if s.hub != nil && rec.Task.Updates.WantsStatus() {
			s.hub.Publish(events.NewStatusUpdate(rec.Task.TaskID, rec.Task.Group, task.StatusRunning, nil))
		}
		s.release(rec, ctx)
	}
}

// Finish reports that a previously-released task has left the running
// set (whatever its outcome), freeing its slot and running a release
// pass so a held task can take its place.
func (s *Scheduler) Finish(taskID string) {
	s.mu.Lock()
	entry, ok := s.running[taskID]
	if ok {
		delete(s.running, taskID)
		s.total--
		s.byHost[entry.host]--
		s.byGroup[entry.group]--
	}
	s.mu.Unlock()
	if ok {
		s.releasePass()
	}
}

// CancelParked removes taskID from the holding queue (and the re-enqueue
// set) before it was ever released, reporting whether it was found.
func (s *Scheduler) CancelParked(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wasPending := s.toReEnqueue[taskID]
	delete(s.toReEnqueue, taskID)

	it, ok := s.parked[taskID]
	if ok {
		heap.Remove(&s.heap, it.index)
		delete(s.parked, taskID)
	}
	return ok || wasPending
}

// CancelRunning cancels a released task's context, reporting whether it
// was currently running.
func (s *Scheduler) CancelRunning(taskID string) bool {
	s.mu.Lock()
	entry, ok := s.running[taskID]
	s.mu.Unlock()
	if ok && entry.cancel != nil {
		entry.cancel()
	}
	return ok
}

// IsPendingReEnqueue reports whether taskID was forced out by a WiFi
// requirement raise and is waiting to be re-enqueued once WiFi returns;
// the executor's failure path consults this to reroute instead of
// surfacing `failed` to the user (spec §4.3).
func (s *Scheduler) IsPendingReEnqueue(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.toReEnqueue[taskID]
	return ok
}

// SetWiFiAvailable reports a network condition change. Going from
// available to unavailable cancels and parks every in-flight or held
// task with RequiresWiFi set; going the other way drains the re-enqueue
// set back through Enqueue (spec §4.3: "a raising of WiFi requirements
// cancels-and-re-enqueues every in-flight and parked task").
func (s *Scheduler) SetWiFiAvailable(available bool) {
	s.mu.Lock()
	was := s.wifiAvailable
	s.wifiAvailable = available
	s.mu.Unlock()

	if was && !available {
		s.evictWiFiTasks()
		return
	}
	if !was && available {
		s.drainReEnqueue()
	}
}

func (s *Scheduler) evictWiFiTasks() {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for id, entry := range s.running {
		if !entry.rec.Task.RequiresWiFi {
			continue
		}
		cancels = append(cancels, entry.cancel)
		s.toReEnqueue[id] = entry.rec
		delete(s.running, id)
		s.total--
		s.byHost[entry.host]--
		s.byGroup[entry.group]--
	}

	var remaining []*item
	for s.heap.Len() > 0 {
		it := heap.Pop(&s.heap).(*item)
		if it.rec.Task.RequiresWiFi {
			s.toReEnqueue[it.rec.Task.TaskID] = it.rec
			delete(s.parked, it.rec.Task.TaskID)
		} else {
			remaining = append(remaining, it)
		}
	}
	for _, it := range remaining {
		heap.Push(&s.heap, it)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Scheduler) drainReEnqueue() {
	s.mu.Lock()
	pending := make([]task.TaskRecord, 0, len(s.toReEnqueue))
	for id, rec := range s.toReEnqueue {
		pending = append(pending, rec)
		delete(s.toReEnqueue, id)
	}
	s.mu.Unlock()

	for _, rec := range pending {
		s.Enqueue(rec)
	}
}

// Snapshot returns every task currently parked, running, or held for
// re-enqueue until WiFi returns.
func (s *Scheduler) Snapshot() []task.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.TaskRecord, 0, len(s.parked)+len(s.running)+len(s.toReEnqueue))
	for _, it := range s.parked {
		out = append(out, it.rec)
	}
	for _, entry := range s.running {
		out = append(out, entry.rec)
	}
	for _, rec := range s.toReEnqueue {
		out = append(out, rec)
	}
	return out
}
