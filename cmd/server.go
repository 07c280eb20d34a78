package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fileflow/fileflow/internal/config"
	"github.com/fileflow/fileflow/internal/engine"
	"github.com/fileflow/fileflow/internal/events"
	"github.com/fileflow/fileflow/internal/store"
	"github.com/fileflow/fileflow/internal/task"
	"github.com/fileflow/fileflow/internal/utils"

	"github.com/google/uuid"
)

// daemon owns the engine and exposes its Command Surface over HTTP,
// generalizing the teacher's single-purpose /download handler
// (cmd/root.go startHTTPServer) into the full add/ls/pause/resume/rm/
// reset/status verb set plus a server-sent-events stream of the
// observation pipeline.
type daemon struct {
	engine *engine.Engine
	hub    *events.Hub
}

func newDaemon() (*daemon, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensuring engine dirs: %w", err)
	}
	dbPath := filepath.Join(config.GetStateDir(), "engine.db")
	if err := store.Configure(dbPath); err != nil {
		return nil, fmt.Errorf("configuring store: %w", err)
	}
	st := store.OpenWithConfig(store.DefaultCleanUpConfig())

	hub := events.NewHub(st)
	rt := config.DefaultRuntimeConfig()
	client := rt.NewHTTPClient()

	return &daemon{
		engine: engine.New(rt, st, hub, client),
		hub:    hub,
	}, nil
}

func (d *daemon) shutdown() {
	d.engine.Shutdown()
	store.CloseDB()
}

func (d *daemon) serve(ln net.Listener) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/tasks", d.handleTasks)
	mux.HandleFunc("/tasks/", d.handleTaskByID)
	mux.HandleFunc("/cancel", d.handleCancel)
	mux.HandleFunc("/reset", d.handleReset)
	mux.HandleFunc("/events", d.handleEvents)

	server := &http.Server{Handler: corsMiddleware(mux)}
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		utils.Debug("daemon: HTTP server error: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// addRequest is the wire shape for POST /tasks: enough of task.Task to
// build one from the CLI or an extension, defaulted and stamped server-
// side (TaskID, CreationTime, RetriesRemaining).
type addRequest struct {
	URL          string            `json:"url"`
	Directory    string            `json:"directory"`
	Filename     string            `json:"filename,omitempty"`
	Group        string            `json:"group,omitempty"`
	Priority     task.Priority     `json:"priority,omitempty"`
	Retries      int               `json:"retries,omitempty"`
	AllowPause   bool              `json:"allowPause"`
	RequiresWiFi bool              `json:"requiresWiFi,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ChunkCount   int               `json:"chunks,omitempty"`
	Type         task.Type         `json:"taskType,omitempty"`
}

func (d *daemon) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req addRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		if req.Type == "" {
			req.Type = task.TypeDownload
		}
		if req.Group == "" {
			req.Group = "default"
		}

		t := task.Task{
			TaskID:       uuid.New().String(),
			Type:         req.Type,
			URL:          req.URL,
			Directory:    req.Directory,
			Filename:     req.Filename,
			Group:        req.Group,
			Priority:     req.Priority,
			Retries:      req.Retries,
			AllowPause:   req.AllowPause,
			RequiresWiFi: req.RequiresWiFi,
			Headers:      req.Headers,
			ChunkCount:   req.ChunkCount,
			CreationTime: time.Now(),
		}

		if !d.engine.Enqueue(t) {
			http.Error(w, "failed to enqueue task", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": t.TaskID})

	case http.MethodGet:
		group := r.URL.Query().Get("group")
		includeWaiting := r.URL.Query().Get("includeWaitingToRetry") == "true"
		recs, err := d.engine.AllTasks(group, includeWaiting)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recs)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID dispatches /tasks/{id}, /tasks/{id}/pause and
// /tasks/{id}/resume.
func (d *daemon) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "pause":
			json.NewEncoder(w).Encode(map[string]bool{"ok": d.engine.Pause(id)})
		case "resume":
			json.NewEncoder(w).Encode(map[string]bool{"ok": d.engine.Resume(id)})
		default:
			http.Error(w, "unknown action", http.StatusNotFound)
		}
		return
	}

	rec, ok := d.engine.TaskForID(id)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (d *daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		TaskIDs []string `json:"taskIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	d.engine.Cancel(body.TaskIDs)
	w.WriteHeader(http.StatusOK)
}

func (d *daemon) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := d.engine.Reset(r.URL.Query().Get("group"))
	json.NewEncoder(w).Encode(map[string]int{"canceled": n})
}

// handleEvents streams the observation pipeline as server-sent events,
// scoped to a group when one is given in the query string (spec §4.8's
// per-group listener priority).
func (d *daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	group := r.URL.Query().Get("group")
	var ch <-chan events.Update
	var buffered []events.Update
	if group != "" {
		ch, buffered = d.hub.SubscribeGroup(group, 256)
	} else {
		ch, buffered = d.hub.Subscribe(256)
	}

	enc := json.NewEncoder(w)
	write := func(u events.Update) {
		fmt.Fprint(w, "data: ")
		enc.Encode(u)
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
	for _, u := range buffered {
		write(u)
	}

	ctx := r.Context()
	for {
		select {
		case u := <-ch:
			write(u)
		case <-ctx.Done():
			return
		}
	}
}
