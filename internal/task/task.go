// Package task defines the immutable Task model shared by every other
// engine package: the five task subtypes, the durable TaskRecord wrapper,
// resume metadata, and the byte-range Chunk used by the parallel-download
// supervisor.
package task

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Type discriminates the task subtypes carried on the wire and in the
// store. The string values are the codec's "taskType" discriminator.
type Type string

const (
	TypeDownload         Type = "DownloadTask"
	TypeUpload           Type = "UploadTask"
	TypeMultiUpload      Type = "MultiUploadTask"
	TypeParallelDownload Type = "ParallelDownloadTask"
	TypeUriDownload      Type = "UriDownloadTask"
	TypeUriUpload        Type = "UriUploadTask"
)

// Status is the lifecycle state of a task. Terminal statuses never
// transition further once reached.
type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusComplete  Status = "complete"
	StatusNotFound  Status = "notFound"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusWaitingToRetry Status = "waitingToRetry"
)

// terminal holds the set of statuses that never transition further.
var terminal = map[Status]bool{
	StatusComplete: true,
	StatusNotFound: true,
	StatusFailed:   true,
	StatusCanceled: true,
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool { return terminal[s] }

// Progress sentinel values: a single channel of floats carries both
// terminal/holding states and 0..<1 running progress (spec §3).
const (
	ProgressFailed         float64 = -1
	ProgressCanceled       float64 = -2
	ProgressNotFound       float64 = -3
	ProgressWaitingToRetry float64 = -4
	ProgressPaused         float64 = -5
)

// Priority lower value runs first; ties break by ascending CreationTime.
type Priority int

const (
	PriorityHigh    Priority = 0
	PriorityNormal  Priority = 5
	PriorityLow     Priority = 9
)

// Task is the immutable unit of work accepted by the engine. Every field
// is set at construction time and never mutated afterward; progress and
// status live on the TaskRecord, not here.
type Task struct {
	TaskID             string            `json:"taskId"`
	Type               Type              `json:"taskType"`
	URL                string            `json:"url"`
	URLs               []string          `json:"urls,omitempty"`
	URLQueryParameters map[string]string `json:"urlQueryParameters,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	HTTPRequestMethod  string            `json:"httpRequestMethod"`
	// KnownContentLength is a task-local size hint used only when the
	// server's response omits Content-Length; a server-provided value
	// always wins (spec §9 Open Question, decided in SPEC_FULL.md §14).
	KnownContentLength int64             `json:"knownContentLength,omitempty"`
	Post               string            `json:"post,omitempty"`
	BaseDirectory      string            `json:"baseDirectory"`
	Directory          string            `json:"directory"`
	Filename           string            `json:"filename"`
	Group              string            `json:"group,omitempty"`
	Updates            UpdatesConfig     `json:"updates"`
	RequiresWiFi       bool              `json:"requiresWiFi"`
	Retries            int               `json:"retries"`
	AllowPause         bool              `json:"allowPause"`
	Priority           Priority          `json:"priority"`
	MetaData           map[string]string `json:"metaData,omitempty"`
	DisplayName        string            `json:"displayName,omitempty"`
	CreationTime       time.Time         `json:"creationTime"`

	// Upload-only fields.
	Fields    map[string]string `json:"fields,omitempty"`
	FileField string            `json:"fileField,omitempty"`
	MimeType  string            `json:"mimeType,omitempty"`

	// ParallelDownloadTask-only field: how many chunks per URL.
	ChunkCount int `json:"chunks,omitempty"`
}

// UpdatesConfig controls which update kinds the observation pipeline
// emits for a task (spec §3: none/status/progress/both). The zero value
// behaves as UpdatesBoth so a Task built without setting this field keeps
// receiving every update kind.
type UpdatesConfig string

const (
	UpdatesNone     UpdatesConfig = "none"
	UpdatesStatus   UpdatesConfig = "status"
	UpdatesProgress UpdatesConfig = "progress"
	UpdatesBoth     UpdatesConfig = "both"
)

// WantsStatus reports whether status updates should be published for a
// task with this Updates setting.
func (u UpdatesConfig) WantsStatus() bool {
	return u == "" || u == UpdatesStatus || u == UpdatesBoth
}

// WantsProgress reports whether progress updates should be published for
// a task with this Updates setting.
func (u UpdatesConfig) WantsProgress() bool {
	return u == "" || u == UpdatesProgress || u == UpdatesBoth
}

// EffectiveURL appends URLQueryParameters to URL, choosing "&" or "?" as
// the separator depending on whether URL already has a query string
// (spec §3: "optional urlQueryParameters appended with proper separator").
func (t Task) EffectiveURL() string {
	if len(t.URLQueryParameters) == 0 {
		return t.URL
	}
	sep := "?"
	if strings.Contains(t.URL, "?") {
		sep = "&"
	}
	keys := make([]string, 0, len(t.URLQueryParameters))
	for k := range t.URLQueryParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(t.URL)
	for _, k := range keys {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(t.URLQueryParameters[k]))
		sep = "&"
	}
	return b.String()
}

// IsChunk reports whether this task is an internal chunk of a parallel
// download, identified by the reserved "chunk" group. Chunk tasks route
// to the parallel supervisor rather than the default holding-queue
// pipeline (spec §4.3).
func (t Task) IsChunk() bool { return t.Group == "chunk" }

// ParentTaskID returns the owning ParallelDownloadTask id for a chunk
// task, stored in MetaData under "parentTaskId", or "" if this is not a
// chunk.
func (t Task) ParentTaskID() string {
	if t.MetaData == nil {
		return ""
	}
	return t.MetaData["parentTaskId"]
}

// sanitizeChars are characters stripped from generated filenames and ids,
// matching the teacher's sanitizeFilename charset.
const sanitizeChars = `\/:*?"<>|`

// SanitizeID strips path-unsafe characters from a candidate id string.
func SanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if strings.ContainsRune(sanitizeChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exception is the typed error attached to a terminal failure. Kind
// drives the Status the transfer executor assigns (spec §3, §7).
type ExceptionKind string

const (
	ExceptionGeneral      ExceptionKind = "general"
	ExceptionURL          ExceptionKind = "url"
	ExceptionFileSystem   ExceptionKind = "fileSystem"
	ExceptionHTTPResponse ExceptionKind = "httpResponse"
	ExceptionConnection   ExceptionKind = "connection"
	ExceptionResume       ExceptionKind = "resume"
)

// Exception implements error and carries the HTTP status code for the
// httpResponse kind.
type Exception struct {
	Kind        ExceptionKind `json:"kind"`
	Description string        `json:"description"`
	HTTPCode    int           `json:"httpResponseCode,omitempty"`
}

func (e *Exception) Error() string {
	if e.HTTPCode != 0 {
		return e.Kind.String() + ": " + e.Description
	}
	return e.Kind.String() + ": " + e.Description
}

func (k ExceptionKind) String() string { return string(k) }

// ResumeData is the persisted state required to resume a paused or
// retried task: the byte offset to continue from and the ETag observed
// at pause time, used to detect the remote resource changed underneath
// us (spec §3, §9 Open Question on mid-stream ETag changes).
type ResumeData struct {
	TaskID           string `json:"taskId"`
	Data             string `json:"data"`
	RequiredStartByte int64 `json:"requiredStartByte"`
	ETag             string `json:"eTag"`
}

// TaskRecord is the durable, mutable wrapper the state store persists:
// the immutable Task plus its current Status, Progress, expected file
// size and any terminal Exception.
type TaskRecord struct {
	Task             Task       `json:"task"`
	Status           Status     `json:"status"`
	Progress         float64    `json:"progress"`
	ExpectedFileSize int64      `json:"expectedFileSize"`
	Exception        *Exception `json:"exception,omitempty"`
	// RetriesRemaining starts equal to Task.Retries (spec §3 invariant:
	// "retries == retriesRemaining at creation") and is decremented by the
	// retry controller on each failed attempt.
	RetriesRemaining int `json:"retriesRemaining"`
}

// NewRecord builds the initial TaskRecord for a freshly accepted task,
// satisfying the retries==retriesRemaining-at-creation invariant.
func NewRecord(t Task) TaskRecord {
	return TaskRecord{
		Task:             t,
		Status:           StatusEnqueued,
		Progress:         0,
		RetriesRemaining: t.Retries,
	}
}

// Chunk describes one byte-range slice of a ParallelDownloadTask: the
// portion of the source file [From, To) fetched by a synthesized child
// DownloadTask.
type Chunk struct {
	ParentTaskID string `json:"parentTaskId"`
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	From         int64  `json:"from"`
	To           int64  `json:"to"`
	Child        Task   `json:"child"`
}
