// Package api serves the HTTP control plane shared by masters and workers.
// Master endpoints expose the task queues; worker endpoints accept master
// announcements and report stats.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/metrics"
	"github.com/cuemby/nscan/pkg/service"
)

// Server wires the control-plane routes for whichever roles this node runs.
// master and worker may each be nil.
type Server struct {
	master *service.Master
	worker *service.Worker
	logger zerolog.Logger
}

// NewServer builds a control-plane server.
func NewServer(master *service.Master, worker *service.Worker) *Server {
	return &Server{
		master: master,
		worker: worker,
		logger: log.WithComponent("api"),
	}
}

// RegisterRoutes installs all handlers on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if s.master != nil {
		mux.HandleFunc("POST /api/scheduler/{taskKey}/fetch", s.handleFetch)
		mux.HandleFunc("POST /api/scheduler/{taskKey}/complete", s.handleComplete)
		mux.HandleFunc("POST /api/scheduler/{taskKey}/tasks", s.handleEnqueue)
		mux.HandleFunc("GET /api/scheduler/{taskKey}/tasks", s.handleListTasks)
		mux.HandleFunc("DELETE /api/scheduler/{taskKey}/tasks", s.handleClearTasks)
		mux.HandleFunc("DELETE /api/scheduler/{taskKey}/tasks/{token...}", s.handleRemoveTask)
		mux.HandleFunc("POST /api/scheduler/{taskKey}/recover", s.handleRecover)
	}
	if s.worker != nil {
		mux.HandleFunc("POST /api/scheduler/master", s.handleMaster)
		mux.HandleFunc("GET /api/stats/all", s.handleStats)
	}
	mux.Handle("GET /metrics", metrics.Handler())
}

// ListenAndServe starts the control plane on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout: fetch blocks until work exists.
		IdleTimeout: 120 * time.Second,
	}
	s.logger.Info().Str("listen", addr).Msg("Control plane listening")
	return server.ListenAndServe()
}

func (s *Server) queueFor(w http.ResponseWriter, r *http.Request) (taskKey string, ok bool) {
	taskKey = r.PathValue("taskKey")
	if _, found := s.master.Queue(taskKey); !found {
		http.Error(w, "unknown task key", http.StatusNotFound)
		return taskKey, false
	}
	return taskKey, true
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	taskKey, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = n
	}
	q, _ := s.master.Queue(taskKey)
	tokens, err := q.FetchTasks(r.Context(), count)
	if err != nil {
		s.logger.Error().Err(err).Str("queue", taskKey).Msg("Failed to fetch tasks")
		http.Error(w, "failed to fetch tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, tokens)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	taskKey, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	tokens, ok := readTokens(w, r)
	if !ok {
		return
	}
	var err error
	if taskKey == "scanner" {
		_, err = s.master.Scanner().CompleteCIDRs(r.Context(), tokens)
	} else {
		q, _ := s.master.Queue(taskKey)
		err = q.CompleteTasks(r.Context(), tokens)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("queue", taskKey).Msg("Failed to complete tasks")
		http.Error(w, "failed to complete tasks", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	taskKey, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	tokens, ok := readTokens(w, r)
	if !ok {
		return
	}
	if taskKey == "scanner" {
		count, err := s.master.Scanner().EnqueueCIDRs(r.Context(), tokens)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]uint64{"addrs": count})
		return
	}
	q, _ := s.master.Queue(taskKey)
	if err := q.EnqueueTasks(r.Context(), tokens); err != nil {
		s.logger.Error().Err(err).Str("queue", taskKey).Msg("Failed to enqueue tasks")
		http.Error(w, "failed to enqueue tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"tasks": len(tokens)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	taskKey, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	q, _ := s.master.Queue(taskKey)
	query := r.URL.Query()
	skip, _ := strconv.Atoi(query.Get("skip"))
	count, err := strconv.Atoi(query.Get("count"))
	if err != nil || count < 1 {
		count = 10
	}
	tokens, err := q.PendingPage(r.Context(), skip, count)
	if err != nil {
		s.logger.Error().Err(err).Str("queue", taskKey).Msg("Failed to list tasks")
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	total, err := q.CountPending(r.Context())
	if err != nil {
		http.Error(w, "failed to count tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"total": total, "tasks": tokens})
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	taskKey, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	q, _ := s.master.Queue(taskKey)
	count, err := q.ClearTasks(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("queue", taskKey).Msg("Failed to clear tasks")
		http.Error(w, "failed to clear tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"removed": count})
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	taskKey, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	token := r.PathValue("token")
	q, _ := s.master.Queue(taskKey)
	count, err := q.RemoveTask(r.Context(), token)
	if err != nil {
		s.logger.Error().Err(err).Str("queue", taskKey).Msg("Failed to remove task")
		http.Error(w, "failed to remove task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"removed": count})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	taskKey, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	q, _ := s.master.Queue(taskKey)
	count, err := q.RecoverRunning(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("queue", taskKey).Msg("Failed to recover tasks")
		http.Error(w, "failed to recover tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"recovered": count})
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var masterAddr string
	if err := json.Unmarshal(data, &masterAddr); err != nil || masterAddr == "" {
		http.Error(w, "invalid master address", http.StatusBadRequest)
		return
	}
	s.logger.Info().Str("master", masterAddr).Msg("Received connection from master")
	s.worker.SetMaster(masterAddr)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.worker.Stats())
}

func readTokens(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		http.Error(w, "invalid token list", http.StatusBadRequest)
		return nil, false
	}
	return tokens, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
