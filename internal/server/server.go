// Package server provides the mensad HTTP API consumed by the desktop
// client. It delegates all business logic to the registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mensahq/mensad/internal/config"
	"github.com/mensahq/mensad/internal/registry"
	"github.com/mensahq/mensad/internal/store"
	"github.com/mensahq/mensad/internal/thread"
	"github.com/mensahq/mensad/internal/worker"
)

// Server is the mensad HTTP API server.
type Server struct {
	config   *config.Config
	store    *store.Store
	registry *registry.Registry
	router   chi.Router
}

// New creates a Server with all dependencies wired from configuration.
func New(cfg *config.Config) (*Server, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	launcher := &worker.ExecLauncher{
		Command: cfg.WorkerCommand,
		Args:    cfg.WorkerArgs,
	}
	reg := registry.New(
		registry.Config{IdleUnbindAfter: cfg.IdleUnbindAfter()},
		st,
		worker.Config{
			MaxProcesses:   cfg.MaxProcesses,
			GraceTimeout:   cfg.GraceTimeout(),
			PermissionMode: cfg.PermissionMode,
			MaxTurns:       cfg.MaxTurns,
		},
		launcher,
		registry.NewBus(),
	)

	return NewWith(cfg, st, reg), nil
}

// NewWith creates a Server around existing components.
func NewWith(cfg *config.Config, st *store.Store, reg *registry.Registry) *Server {
	s := &Server{config: cfg, store: st, registry: reg}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() chi.Router { return s.router }

// Start runs the registry and the HTTP server. Blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registry.Start(); err != nil {
		return fmt.Errorf("starting registry: %w", err)
	}

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("mensad listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	s.registry.Stop()
	return s.store.Close()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/threads", s.handleCreateThread)
			r.Get("/threads", s.handleListThreads)
			r.Get("/threads/active", s.handleActiveThread)
			r.Get("/threads/unread", s.handleUnreadCounts)
			r.Get("/threads/{id}", s.handleGetThread)
			r.Patch("/threads/{id}", s.handleRenameThread)
			r.Delete("/threads/{id}", s.handleDeleteThread)
			r.Post("/threads/{id}/switch", s.handleSwitchThread)
			r.Post("/threads/{id}/archive", s.handleArchiveThread)
			r.Get("/threads/{id}/messages", s.handleGetMessages)
			r.Post("/threads/{id}/messages", s.handleSendMessage)
			r.Get("/threads/{id}/tools", s.handleGetTools)
		})
		r.Get("/events", s.handleEvents)
		r.Get("/threads/{id}/events", s.handleThreadEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createThreadRequest struct {
	WorkspacePath string `json:"workspace_path"`
}

type renameThreadRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type activeThreadResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.WorkspacePath = strings.TrimSpace(req.WorkspacePath)
	if req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspace_path is required")
		return
	}

	t, err := s.registry.Create(req.WorkspacePath)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads := s.registry.List()
	if threads == nil {
		threads = []*thread.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleActiveThread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, activeThreadResponse{ID: s.registry.Active()})
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.UnreadCounts())
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req renameThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.registry.Rename(chi.URLParam(r, "id"), req.Title); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitchThread(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Switch(chi.URLParam(r, "id")); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveThread(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Archive(chi.URLParam(r, "id")); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.registry.Messages(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	if msgs == nil {
		msgs = []*thread.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetTools(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.Tools(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	if recs == nil {
		recs = []*thread.ToolRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if len([]rune(req.Content)) > 10000 {
		writeError(w, http.StatusBadRequest, "content exceeds 10000 characters")
		return
	}

	if err := s.registry.Send(chi.URLParam(r, "id"), req.Content); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents streams updates for all threads as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamUpdates(w, r, "")
}

// handleThreadEvents streams one thread's updates as server-sent events.
func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	s.streamUpdates(w, r, id)
}

func (s *Server) streamUpdates(w http.ResponseWriter, r *http.Request, threadID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.registry.Bus().Subscribe(threadID)
	defer s.registry.Bus().Unsubscribe(threadID, ch)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, u)
			flusher.Flush()
		}
	}
}

// --- Helpers ---

func errStatus(err error) int {
	switch {
	case errors.Is(err, thread.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, thread.ErrArchived), errors.Is(err, thread.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, thread.ErrSpawnFailed), errors.Is(err, thread.ErrCrashed):
		return http.StatusBadGateway
	case errors.Is(err, thread.ErrPersistence):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, u *registry.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		log.Printf("writeSSE marshal error: %v", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Type, string(data)); err != nil {
		log.Printf("writeSSE write error: %v", err)
	}
}
