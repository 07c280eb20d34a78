package parallel

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/queue"
	"github.com/fileflow/fileflow/internal/retry"
	"github.com/fileflow/fileflow/internal/task"
)

func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(payload))
	}))
}

func TestSupervisorRunProducesExactBytes(t *testing.T) {
	payload := make([]byte, 500*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	srv := rangeServer(t, payload)
	defer srv.Close()

	dir := t.TempDir()
	rt := config.DefaultRuntimeConfig()
	hub := events.NewHub(nil)

	var sched *queue.Scheduler
	release := func(rec task.TaskRecord, ctx context.Context) {
		go func() {
			defer sched.Finish(rec.Task.TaskID)
			if rec.Task.IsChunk() {
				RunChunk(ctx, rec)
			}
		}()
	}
	sched = queue.NewScheduler(rt, hub, release)

	sup := NewSupervisor(rt, nil, hub, retry.NewController(), srv.Client(), sched)

	rec := task.TaskRecord{
		Task: task.Task{
			TaskID:        "parent-1",
			Type:          task.TypeParallelDownload,
			URL:           srv.URL + "/file.bin",
			Directory:     dir,
			Filename:      "file.bin",
			Group:         "default",
			ChunkCount:    4,
			CreationTime:  time.Now(),
		},
	}

	err = sup.Run(context.Background(), rec)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPlanChunksRoundRobinsAcrossMirrors(t *testing.T) {
	sup := NewSupervisor(config.DefaultRuntimeConfig(), nil, nil, retry.NewController(), http.DefaultClient, nil)
	rec := task.TaskRecord{Task: task.Task{TaskID: "p1", ChunkCount: 1, Filename: "x.bin"}}
	urls := []string{"http://mirror-a", "http://mirror-b"}

	chunks, resuming, err := sup.planChunks(rec, urls, 1000)
	require.NoError(t, err)
	require.False(t, resuming)
	require.Len(t, chunks, 2)
	require.Equal(t, "http://mirror-a", chunks[0].URL)
	require.Equal(t, "http://mirror-b", chunks[1].URL)
	require.Equal(t, int64(0), chunks[0].From)
	require.Equal(t, int64(1000), chunks[len(chunks)-1].To)
	for _, c := range chunks {
		require.Equal(t, "chunk", c.Child.Group)
		require.Equal(t, "p1", c.Child.MetaData["parentTaskId"])
	}
}

func TestPlanChunksCoversFullRangeContiguously(t *testing.T) {
	sup := NewSupervisor(config.DefaultRuntimeConfig(), nil, nil, retry.NewController(), http.DefaultClient, nil)
	rec := task.TaskRecord{Task: task.Task{TaskID: "p1", ChunkCount: 3}}

	chunks, _, err := sup.planChunks(rec, []string{"http://single"}, 10000)
	require.NoError(t, err)

	var prevTo int64
	for _, c := range chunks {
		require.Equal(t, prevTo, c.From)
		prevTo = c.To
	}
	require.Equal(t, int64(10000), prevTo)
}
