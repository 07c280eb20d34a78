package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fullDownloadTask exercises every Task field a DownloadTask can carry.
func fullDownloadTask() Task {
	return Task{
		TaskID:             "dl-1",
		Type:               TypeDownload,
		URL:                "https://example.com/file.bin",
		URLs:               []string{"https://example.com/file.bin", "https://mirror.example.com/file.bin"},
		URLQueryParameters: map[string]string{"token": "abc", "v": "2"},
		Headers:            map[string]string{"Authorization": "Bearer xyz"},
		HTTPRequestMethod:  "GET",
		KnownContentLength: 123456,
		Post:               "",
		BaseDirectory:      "applicationDocuments",
		Directory:          "downloads",
		Filename:           "file.bin",
		Group:              "default",
		Updates:            UpdatesBoth,
		RequiresWiFi:       true,
		Retries:            3,
		AllowPause:         true,
		Priority:           PriorityHigh,
		MetaData:           map[string]string{"source": "test"},
		DisplayName:        "File Bin",
		CreationTime:       time.Unix(1700000000, 0).UTC(),
	}
}

func fullUploadTask() Task {
	return Task{
		TaskID:            "up-1",
		Type:              TypeUpload,
		URL:               "https://example.com/upload",
		HTTPRequestMethod: "POST",
		Post:              "binary",
		BaseDirectory:     "applicationDocuments",
		Directory:         "outbox",
		Filename:          "report.pdf",
		Group:             "default",
		Updates:           UpdatesStatus,
		Retries:           1,
		AllowPause:        false,
		Priority:          PriorityNormal,
		CreationTime:      time.Unix(1700000100, 0).UTC(),
		Fields:            map[string]string{"field1": "value1"},
		FileField:         "file",
		MimeType:          "application/pdf",
	}
}

func fullMultiUploadTask() Task {
	t := fullUploadTask()
	t.TaskID = "mu-1"
	t.Type = TypeMultiUpload
	t.Updates = UpdatesProgress
	return t
}

func fullParallelDownloadTask() Task {
	t := fullDownloadTask()
	t.TaskID = "pd-1"
	t.Type = TypeParallelDownload
	t.ChunkCount = 4
	t.Updates = UpdatesNone
	t.Priority = PriorityLow
	return t
}

func fullUriDownloadTask() Task {
	t := fullDownloadTask()
	t.TaskID = "urid-1"
	t.Type = TypeUriDownload
	return t
}

func fullUriUploadTask() Task {
	t := fullUploadTask()
	t.TaskID = "uriu-1"
	t.Type = TypeUriUpload
	return t
}

func requireTaskEqual(t *testing.T, want, got Task) {
	t.Helper()
	require.Equal(t, want.TaskID, got.TaskID)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.URL, got.URL)
	require.Equal(t, want.URLs, got.URLs)
	require.Equal(t, want.URLQueryParameters, got.URLQueryParameters)
	require.Equal(t, want.Headers, got.Headers)
	require.Equal(t, want.HTTPRequestMethod, got.HTTPRequestMethod)
	require.Equal(t, want.KnownContentLength, got.KnownContentLength)
	require.Equal(t, want.Post, got.Post)
	require.Equal(t, want.BaseDirectory, got.BaseDirectory)
	require.Equal(t, want.Directory, got.Directory)
	require.Equal(t, want.Filename, got.Filename)
	require.Equal(t, want.Group, got.Group)
	require.Equal(t, want.Updates, got.Updates)
	require.Equal(t, want.RequiresWiFi, got.RequiresWiFi)
	require.Equal(t, want.Retries, got.Retries)
	require.Equal(t, want.AllowPause, got.AllowPause)
	require.Equal(t, want.Priority, got.Priority)
	require.Equal(t, want.MetaData, got.MetaData)
	require.Equal(t, want.DisplayName, got.DisplayName)
	require.True(t, want.CreationTime.Equal(got.CreationTime))
	require.Equal(t, want.Fields, got.Fields)
	require.Equal(t, want.FileField, got.FileField)
	require.Equal(t, want.MimeType, got.MimeType)
	require.Equal(t, want.ChunkCount, got.ChunkCount)
}

func TestTaskRoundTripAllSubtypesAndFields(t *testing.T) {
	cases := []struct {
		name string
		task Task
	}{
		{"download", fullDownloadTask()},
		{"upload", fullUploadTask()},
		{"multiUpload", fullMultiUploadTask()},
		{"parallelDownload", fullParallelDownloadTask()},
		{"uriDownload", fullUriDownloadTask()},
		{"uriUpload", fullUriUploadTask()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orig := TaskRecord{
				Task:             tc.task,
				Status:           StatusRunning,
				Progress:         0.42,
				ExpectedFileSize: 6207471,
				Exception: &Exception{
					Kind:        ExceptionHTTPResponse,
					Description: "rate limited",
					HTTPCode:    429,
				},
				RetriesRemaining: 2,
			}

			data, err := Encode(orig)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)

			requireTaskEqual(t, orig.Task, got.Task)
			require.Equal(t, orig.Status, got.Status)
			require.InDelta(t, orig.Progress, got.Progress, 1e-9)
			require.Equal(t, orig.ExpectedFileSize, got.ExpectedFileSize)
			require.Equal(t, orig.Exception, got.Exception)
			require.Equal(t, orig.RetriesRemaining, got.RetriesRemaining)
		})
	}
}

func TestTaskRoundTripWithoutException(t *testing.T) {
	orig := NewRecord(fullDownloadTask())
	orig.Status = StatusEnqueued

	data, err := Encode(orig)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	requireTaskEqual(t, orig.Task, got.Task)
	require.Nil(t, got.Exception)
	require.Equal(t, orig.RetriesRemaining, got.RetriesRemaining)
}

func TestTaskRoundTripNotFoundHasNoException(t *testing.T) {
	orig := NewRecord(fullDownloadTask())
	orig.Status = StatusNotFound
	orig.Progress = ProgressNotFound
	orig.Exception = nil

	data, err := Encode(orig)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, StatusNotFound, got.Status)
	require.Nil(t, got.Exception)
	require.InDelta(t, ProgressNotFound, got.Progress, 1e-9)
}

func TestChunkRoundTrip(t *testing.T) {
	orig := TaskRecord{
		Task: Task{
			TaskID: "child-1",
			Type:   TypeDownload,
			Group:  "chunk",
			MetaData: map[string]string{
				"parentTaskId": "parent-1",
			},
			CreationTime: time.Unix(1700000200, 0).UTC(),
		},
		Status: StatusEnqueued,
	}

	data, err := Encode(orig)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	require.True(t, got.Task.IsChunk())
	require.Equal(t, "parent-1", got.Task.ParentTaskID())
}

func TestMarshalJSONDefaultsMissingType(t *testing.T) {
	tk := Task{TaskID: "no-type"}
	data, err := tk.MarshalJSON()
	require.NoError(t, err)

	var got Task
	require.NoError(t, got.UnmarshalJSON(data))
	require.Equal(t, TypeDownload, got.Type)
}

func TestTaskUnmarshalRejectsUnknownType(t *testing.T) {
	var tk Task
	err := tk.UnmarshalJSON([]byte(`{"taskId":"x","taskType":"BogusTask"}`))
	require.Error(t, err)
}

func TestTaskUnmarshalRejectsMissingType(t *testing.T) {
	var tk Task
	err := tk.UnmarshalJSON([]byte(`{"taskId":"x"}`))
	require.Error(t, err)
}

func TestIsChunkAndParentTaskID(t *testing.T) {
	child := Task{
		Group:    "chunk",
		MetaData: map[string]string{"parentTaskId": "parent-1"},
	}
	require.True(t, child.IsChunk())
	require.Equal(t, "parent-1", child.ParentTaskID())

	parent := Task{Group: "default"}
	require.False(t, parent.IsChunk())
	require.Equal(t, "", parent.ParentTaskID())
}

func TestStatusIsTerminal(t *testing.T) {
	require.True(t, StatusComplete.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusCanceled.IsTerminal())
	require.True(t, StatusNotFound.IsTerminal())
	require.False(t, StatusRunning.IsTerminal())
	require.False(t, StatusPaused.IsTerminal())
	require.False(t, StatusWaitingToRetry.IsTerminal())
}

func TestUpdatesConfigWants(t *testing.T) {
	require.False(t, UpdatesNone.WantsStatus())
	require.False(t, UpdatesNone.WantsProgress())

	require.True(t, UpdatesStatus.WantsStatus())
	require.False(t, UpdatesStatus.WantsProgress())

	require.False(t, UpdatesProgress.WantsStatus())
	require.True(t, UpdatesProgress.WantsProgress())

	require.True(t, UpdatesBoth.WantsStatus())
	require.True(t, UpdatesBoth.WantsProgress())

	var zero UpdatesConfig
	require.True(t, zero.WantsStatus())
	require.True(t, zero.WantsProgress())
}
