// Package events implements the observation pipeline (spec §4.8): a
// tagged Update union broadcast to global listeners and higher-priority
// per-group listeners, with undelivered buffering via the store so a
// late-subscribing listener still sees updates emitted before it
// attached.
package events

import (
	"time"

	"github.com/fileflow/fileflow/internal/task"
)

// Kind discriminates the Update union, generalizing the teacher's family
// of distinct message structs (internal/engine/events/events.go:
// ProgressMsg/DownloadCompleteMsg/DownloadErrorMsg/...) into one tagged
// type so a single channel can carry every update kind (spec §9 tagged-
// variant dispatch).
type Kind string

const (
	KindStatus   Kind = "status"
	KindProgress Kind = "progress"
)

// UnknownTimeRemaining is the sentinel TimeRemaining carries when speed
// isn't yet known (spec §4.4: "-1000 sentinel when unknown").
const UnknownTimeRemaining = -1000 * time.Millisecond

// Update is the union type delivered on the observation pipeline. Only
// the fields relevant to Kind are populated.
type Update struct {
	Kind   Kind
	TaskID string
	Group  string

	// StatusUpdate fields.
	Status          task.Status
	Exception       *task.Exception
	ResponseBody    string
	MimeType        string
	CharSet         string
	ResponseCode    int
	ResponseHeaders map[string]string

	// ProgressUpdate fields.
	Progress         float64
	ExpectedFileSize int64
	NetworkSpeedMBps float64
	TimeRemaining    time.Duration
}

// NewStatusUpdate builds a KindStatus Update.
func NewStatusUpdate(taskID, group string, status task.Status, exc *task.Exception) Update {
	return Update{Kind: KindStatus, TaskID: taskID, Group: group, Status: status, Exception: exc}
}

// NewProgressUpdate builds a KindProgress Update.
func NewProgressUpdate(taskID, group string, progress float64, size int64, speedMBps float64, remaining time.Duration) Update {
	return Update{
		Kind: KindProgress, TaskID: taskID, Group: group,
		Progress: progress, ExpectedFileSize: size,
		NetworkSpeedMBps: speedMBps, TimeRemaining: remaining,
	}
}
