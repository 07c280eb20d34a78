package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fileflow/fileflow/internal/utils"
)

// undeliveredSink is the subset of the store's buffering API the hub
// needs; satisfied by *store.Store. Declared here rather than imported
// directly to avoid internal/events depending on internal/store.
type undeliveredSink interface {
	PushUndelivered(kind string, payload []byte) error
	PopUndelivered(kind string) ([][]byte, error)
}

// Hub fans a single stream of Updates out to a global listener set and,
// with priority over the global set, to per-group listeners (spec §4.8:
// "per-group listener priority over global broadcast"). Each listener is
// a buffered channel; a full listener channel drops the update rather
// than blocking the emitting goroutine, mirroring the teacher's
// non-blocking ProgressChan sends.
type Hub struct {
	mu      sync.RWMutex
	global  []chan Update
	byGroup map[string][]chan Update
	sink    undeliveredSink
	errCh   chan error
}

// NewHub constructs a Hub backed by sink for undelivered-update
// durability (spec §4.2/§4.8).
func NewHub(sink undeliveredSink) *Hub {
	return &Hub{
		byGroup: make(map[string][]chan Update),
		sink:    sink,
		errCh:   make(chan error, 64),
	}
}

// Subscribe registers a global listener and returns it along with any
// updates that were buffered as undelivered before this call (spec
// §4.8's start() sequence: replay undelivered, then begin live
// delivery).
func (h *Hub) Subscribe(buf int) (<-chan Update, []Update) {
	ch := make(chan Update, buf)
	h.mu.Lock()
	h.global = append(h.global, ch)
	h.mu.Unlock()
	return ch, h.drainUndelivered(KindStatus, KindProgress)
}

// SubscribeGroup registers a listener scoped to group. Per spec §4.3/4.8
// a per-group listener takes delivery priority over the global
// broadcast: Publish always offers to group listeners first.
func (h *Hub) SubscribeGroup(group string, buf int) (<-chan Update, []Update) {
	ch := make(chan Update, buf)
	h.mu.Lock()
	h.byGroup[group] = append(h.byGroup[group], ch)
	h.mu.Unlock()
	return ch, h.drainUndelivered(KindStatus, KindProgress)
}

func (h *Hub) drainUndelivered(kinds ...Kind) []Update {
	var out []Update
	if h.sink == nil {
		return out
	}
	for _, k := range kinds {
		payloads, err := h.sink.PopUndelivered(string(k))
		if err != nil {
			utils.Debug("events: draining undelivered %s failed: %v", k, err)
			continue
		}
		for _, p := range payloads {
			var u Update
			if err := json.Unmarshal(p, &u); err == nil {
				out = append(out, u)
			}
		}
	}
	return out
}

// Publish delivers u to this task's group listeners first, then the
// global listeners, matching spec §4.8's ordering guarantee. If no
// listener is currently attached at all, u is durably buffered as
// undelivered so a future subscriber still observes it.
func (h *Hub) Publish(u Update) {
	h.mu.RLock()
	groupListeners := append([]chan Update(nil), h.byGroup[u.Group]...)
	globalListeners := append([]chan Update(nil), h.global...)
	h.mu.RUnlock()

	delivered := false
	for _, ch := range groupListeners {
		if trySend(ch, u) {
			delivered = true
		}
	}
	for _, ch := range globalListeners {
		if trySend(ch, u) {
			delivered = true
		}
	}

	if !delivered && h.sink != nil {
		payload, err := json.Marshal(u)
		if err != nil {
			utils.Debug("events: marshaling undelivered update failed: %v", err)
			return
		}
		if err := h.sink.PushUndelivered(string(u.Kind), payload); err != nil {
			utils.Debug("events: buffering undelivered update failed: %v", err)
		}
	}
}

func trySend(ch chan Update, u Update) bool {
	select {
	case ch <- u:
		return true
	default:
		return false
	}
}

// PublishEnqueueError reports a failure to enqueue a task (e.g. invalid
// Task fields) on the dedicated enqueueErrors channel, kept separate
// from the main update stream per spec §6.
func (h *Hub) PublishEnqueueError(err error) {
	select {
	case h.errCh <- err:
	default:
	}
}

// EnqueueErrors returns the read side of the enqueueErrors channel.
func (h *Hub) EnqueueErrors() <-chan error { return h.errCh }

// Throttle decides whether a new progress value should be emitted now,
// implementing spec §4.4's progress throttling formula: emit if progress
// has advanced more than 2% since the last emission, or if more than 2
// seconds have passed since the next-emit time, which is set 500 ms after
// each emission (staleness, so 2.5 s after the last emission), and clamp
// a still-running progress value to 0.999 so 1.0 is reserved for
// completion.
type Throttle struct {
	mu           sync.Mutex
	lastEmitted  float64
	lastEmitTime time.Time
}

// ShouldEmit reports whether progress should be emitted now, and returns
// the clamped value to emit. Call only while the task is still running;
// terminal progress values (1.0, or a negative sentinel) bypass the
// throttle entirely and should be emitted unconditionally by the caller.
func (t *Throttle) ShouldEmit(progress float64) (float64, bool) {
	if progress > 0.999 {
		progress = 0.999
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	stale := t.lastEmitTime.IsZero() || now.Sub(t.lastEmitTime) > 2*time.Second
	advanced := progress-t.lastEmitted > 0.02

	if !stale && !advanced {
		return progress, false
	}
	t.lastEmitted = progress
	t.lastEmitTime = now.Add(500 * time.Millisecond) // nextEmit = now + 500ms
	return progress, true
}

// EMASpeed tracks an exponential moving average of transfer speed with a
// 3:1 weight favoring history over the newest sample (spec §4.4),
// mirroring the teacher's sliding-window EMA in
// internal/engine/concurrent/worker.go, where the same ratio comes from
// RuntimeConfig.SpeedEmaAlpha defaulting to 0.25.
type EMASpeed struct {
	mu    sync.Mutex
	value float64
}

// Update folds a new instantaneous speed sample (bytes/sec) into the
// running EMA and returns the updated value.
func (e *EMASpeed) Update(sample float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	const alpha = 0.25 // new sample weighted 1, history weighted 3
	if e.value == 0 {
		e.value = sample
	} else {
		e.value = alpha*sample + (1-alpha)*e.value
	}
	return e.value
}

func (e *EMASpeed) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
