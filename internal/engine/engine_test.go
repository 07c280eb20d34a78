package engine

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/store"
	"github.com/fileflow/fileflow/internal/task"
)

func newTestEngine(t *testing.T, client *http.Client) (*Engine, <-chan events.Update) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, store.Configure(filepath.Join(dir, "state.db")))
	t.Cleanup(func() { store.CloseDB() })
	st := store.Open()
	t.Cleanup(st.Close)

	rt := config.DefaultRuntimeConfig()
	rt.RetryBaseDelay = 5 * time.Millisecond
	rt.ProbeTimeout = 2 * time.Second
	rt.SoftTimeout = 5 * time.Second

	hub := events.NewHub(nil)
	ch, _ := hub.Subscribe(128)

	return New(rt, st, hub, client), ch
}

func waitForStatus(t *testing.T, ch <-chan events.Update, taskID string, want task.Status) []events.Update {
	t.Helper()
	var seen []events.Update
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.Kind != events.KindStatus || u.TaskID != taskID {
				continue
			}
			seen = append(seen, u)
			if u.Status == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s on task %s", want, taskID)
		}
	}
}

func TestEngineEnqueueCompletesDownload(t *testing.T) {
	payload := []byte("hello from the engine facade test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, srv.Client())
	dir := t.TempDir()

	tk := task.Task{
		TaskID:       "dl-1",
		Type:         task.TypeDownload,
		URL:          srv.URL + "/f.bin",
		Directory:    dir,
		Filename:     "f.bin",
		Group:        "default",
		CreationTime: time.Now(),
	}
	require.True(t, e.Enqueue(tk))

	waitForStatus(t, ch, "dl-1", task.StatusComplete)

	got, err := os.ReadFile(filepath.Join(dir, "f.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	rec, ok := e.TaskForID("dl-1")
	require.True(t, ok)
	require.Equal(t, task.StatusComplete, rec.Status)
}

func TestEngineRetriesExactlyThreeTimesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, srv.Client())
	dir := t.TempDir()

	tk := task.Task{
		TaskID:       "retry-1",
		Type:         task.TypeDownload,
		URL:          srv.URL + "/f.bin",
		Directory:    dir,
		Filename:     "f.bin",
		Group:        "default",
		Retries:      3,
		CreationTime: time.Now(),
	}
	require.True(t, e.Enqueue(tk))

	seen := waitForStatus(t, ch, "retry-1", task.StatusFailed)

	var waitingToRetryCount int
	var finalExc *task.Exception
	for _, u := range seen {
		if u.Status == task.StatusWaitingToRetry {
			waitingToRetryCount++
		}
		if u.Status == task.StatusFailed {
			finalExc = u.Exception
		}
	}

	require.Equal(t, 3, waitingToRetryCount)
	require.NotNil(t, finalExc)
	require.Equal(t, task.ExceptionHTTPResponse, finalExc.Kind)
	require.Equal(t, http.StatusForbidden, finalExc.HTTPCode)

	rec, ok := e.TaskForID("retry-1")
	require.True(t, ok)
	require.Equal(t, task.StatusFailed, rec.Status)
	require.Equal(t, 0, rec.RetriesRemaining)
}

func TestEngineNotFoundNeverRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, srv.Client())
	dir := t.TempDir()

	tk := task.Task{
		TaskID:       "nf-1",
		Type:         task.TypeDownload,
		URL:          srv.URL + "/missing.bin",
		Directory:    dir,
		Filename:     "missing.bin",
		Group:        "default",
		Retries:      3,
		CreationTime: time.Now(),
	}
	require.True(t, e.Enqueue(tk))

	seen := waitForStatus(t, ch, "nf-1", task.StatusNotFound)
	for _, u := range seen {
		require.NotEqual(t, task.StatusWaitingToRetry, u.Status)
	}
}

func TestEngineCancelRunningTask(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		for i := 0; i < 4; i++ {
			w.Write(buf)
			if flusher != nil {
				flusher.Flush()
			}
		}
		<-release
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, srv.Client())
	dir := t.TempDir()

	tk := task.Task{
		TaskID:       "cancel-1",
		Type:         task.TypeDownload,
		URL:          srv.URL + "/big.bin",
		Directory:    dir,
		Filename:     "big.bin",
		Group:        "default",
		AllowPause:   false,
		CreationTime: time.Now(),
	}
	require.True(t, e.Enqueue(tk))

	// Give the executor a moment to start streaming before canceling.
	time.Sleep(50 * time.Millisecond)
	e.Cancel([]string{"cancel-1"})
	close(release)

	waitForStatus(t, ch, "cancel-1", task.StatusCanceled)

	rec, ok := e.TaskForID("cancel-1")
	require.True(t, ok)
	require.Equal(t, task.StatusCanceled, rec.Status)
}

func TestEngineResetCancelsGroup(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 4096))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()

	e, ch := newTestEngine(t, srv.Client())
	dir := t.TempDir()

	tk := task.Task{
		TaskID:       "reset-1",
		Type:         task.TypeDownload,
		URL:          srv.URL + "/big.bin",
		Directory:    dir,
		Filename:     "big.bin",
		Group:        "resettable",
		CreationTime: time.Now(),
	}
	require.True(t, e.Enqueue(tk))
	time.Sleep(50 * time.Millisecond)

	canceled := e.Reset("resettable")
	close(release)
	require.Equal(t, 1, canceled)

	waitForStatus(t, ch, "reset-1", task.StatusCanceled)
}
