// Package server exposes the engine over HTTP. Turns stream as server-sent
// events, one JSON object per event, with periodic comment-line keep-alives so
// proxies and write deadlines survive long tool executions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/engine"
	"github.com/hupe1980/convoloop/logging"
	"github.com/hupe1980/convoloop/store"
	"github.com/hupe1980/convoloop/task"
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address, host:port.
	Addr string
	// KeepAliveInterval is the gap between SSE keep-alive comments.
	KeepAliveInterval time.Duration
	// WriteDeadline is pushed forward after every event and keep-alive.
	WriteDeadline time.Duration
	Logger        logging.Logger
}

// Server is the HTTP front of the engine.
type Server struct {
	engine    *engine.Engine
	store     *store.Store
	addr      string
	keepAlive time.Duration
	deadline  time.Duration
	logger    logging.Logger
	server    *http.Server
}

// New creates a Server.
func New(e *engine.Engine, s *store.Store, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:              ":8080",
		KeepAliveInterval: 15 * time.Second,
		WriteDeadline:     120 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Server{
		engine:    e,
		store:     s,
		addr:      opts.Addr,
		keepAlive: opts.KeepAliveInterval,
		deadline:  opts.WriteDeadline,
		logger:    logging.OrNoOp(opts.Logger),
	}
}

// handler builds the route table.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/turns/stream", s.handleStreamTurn)
	mux.HandleFunc("POST /v1/conversations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/conversations/{id}/task", s.handleTaskGet)
	mux.HandleFunc("PUT /v1/conversations/{id}/task", s.handleTaskUpdate)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.handler(),
		ReadTimeout: 30 * time.Second,
		// Write deadlines for streaming responses are managed per-connection
		// through http.ResponseController.
	}

	s.logger.Info("starting http server", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains active streams through their partial-save path, then stops
// the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.engine.Streams().DrainAll()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.engine.Turn(r.Context(), req)
	if err != nil && res == nil {
		s.mapError(w, err)
		return
	}

	body := map[string]any{
		"conversation": res.Conversation,
		"message":      res.Assistant,
		"usage":        res.Usage,
	}
	w.Header().Set("Content-Type", "application/json")
	if err != nil && !core.IsAbort(err) {
		// The turn failed after partial progress: the stored partial rides
		// along, but the caller sees the failure, not a success.
		body["error"] = err.Error()
		w.WriteHeader(s.statusFor(err))
	}
	s.writeJSON(w, body)
}

func (s *Server) handleStreamTurn(w http.ResponseWriter, r *http.Request) {
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	flusher.Flush()

	sse := &sseWriter{
		w:        w,
		flusher:  flusher,
		rc:       http.NewResponseController(w),
		deadline: s.deadline,
		logger:   s.logger,
	}

	// Keep-alives run independently of model activity so the connection
	// survives long tool executions.
	stopKeepAlive := make(chan struct{})
	defer close(stopKeepAlive)
	go func() {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sse.comment("keepalive")
			case <-stopKeepAlive:
				return
			}
		}
	}()

	_, err := s.engine.StreamTurn(r.Context(), req, core.SinkFunc(sse.event))
	if err != nil && !core.IsAbort(err) {
		s.logger.Error("stream turn failed", "error", err)
	}
	// Terminal event (done or error) was already written by the engine;
	// returning closes the transport.
}

// CancelResponse is the body of the cancel endpoint: success reports whether a
// stream session was found on this process. Cancel is idempotent, so a false
// here on a second call is expected.
type CancelResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok := s.engine.Streams().Cancel(r.Context(), id)
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, CancelResponse{Success: ok})
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		s.mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]any{"conversations": convs})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, conv)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Tasks().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]any{"task": t})
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var upd task.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.engine.Tasks().Apply(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]any{"task": t})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]any{
		"status":         "ok",
		"active_streams": s.engine.Streams().Active(),
	})
}

// mapError translates the error taxonomy into HTTP status codes.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	s.errorResponse(w, s.statusFor(err), err.Error())
}

func (s *Server) statusFor(err error) int {
	var validation *core.ValidationError
	var notFound *core.NotFoundError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	s.writeJSON(w, map[string]any{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write json response", "error", err)
	}
}

// sseWriter serializes stream events and keep-alive comments onto one
// response. Events and the keep-alive ticker arrive from different
// goroutines, so writes go through a mutex.
type sseWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	rc       *http.ResponseController
	deadline time.Duration
	logger   logging.Logger
}

func (s *sseWriter) event(ev core.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Debug("failed to marshal sse event", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write sse event", "error", err)
		return
	}
	s.flusher.Flush()
	s.extendDeadline()
}

func (s *sseWriter) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return
	}
	s.flusher.Flush()
	s.extendDeadline()
}

func (s *sseWriter) extendDeadline() {
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.deadline)); err != nil {
		s.logger.Debug("failed to reset write deadline", "error", err)
	}
}
