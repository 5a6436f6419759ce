package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/pkg/commandqueue"
	"github.com/harun/convoy/pkg/store"
	"github.com/rs/zerolog"
)

// StatusServer serves health and metrics for one task queue.
type StatusServer struct {
	addr    string
	handler http.Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewStatusServer creates a status server on host:port. Port 0 picks a free
// port; Addr reports it after Start.
func NewStatusServer(host string, port int, handler http.Handler, logger zerolog.Logger) *StatusServer {
	return &StatusServer{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		handler: handler,
		logger:  logger.With().Str("component", "status").Logger(),
	}
}

// Start listens and serves in the background.
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status server started")
	return nil
}

// Addr is the listening address once started, the configured one before.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *StatusServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}
	return nil
}

// Health is the body of GET /healthz.
type Health struct {
	Status     string                  `json:"status"`
	Queue      string                  `json:"queue"`
	Stats      commandqueue.QueueStats `json:"stats"`
	Workflows  []string                `json:"workflows"`
	Active     []string                `json:"active"`
	Uptime     string                  `json:"uptime,omitempty"`
	JanitorRun *time.Time              `json:"janitor_last_run,omitempty"`
	Pruned     int                     `json:"pruned"`
}

// ConversationView is the body of GET /conversations/{id}.
type ConversationView struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []*store.Message    `json:"messages"`
	Tools        []*store.Tool       `json:"tools"`
}

// StatusRouter builds the status routes for queue.
func (d *Daemon) StatusRouter(queue string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := d.Status()
		health := Health{
			Status:    "ok",
			Queue:     queue,
			Stats:     d.queue.Stats(queue),
			Workflows: d.host.WorkflowTypes(),
			Active:    status.Active,
		}
		if status.Running {
			health.Uptime = status.Uptime.Round(time.Second).String()
		}
		if d.janitor != nil {
			lastRun, pruned, _ := d.janitor.Status()
			if !lastRun.IsZero() {
				health.JanitorRun = &lastRun
			}
			health.Pruned = pruned
		}
		writeJSON(w, http.StatusOK, health)
	})

	r.Get("/conversations", func(w http.ResponseWriter, req *http.Request) {
		opts := store.ListOptions{}
		if state := req.URL.Query().Get("state"); state != "" {
			opts.State = store.ConversationState(state)
		}
		if limit, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil {
			opts.Limit = limit
		}
		convs, err := d.db.ListConversations(req.Context(), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
	})

	r.Get("/conversations/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		view, err := d.conversationView(req.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	})

	r.Handle("/metrics", observability.MetricsHandler())
	return r
}

func (d *Daemon) conversationView(ctx context.Context, id string) (*ConversationView, error) {
	conv, err := d.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := d.db.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	tools, err := d.db.ListTools(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ConversationView{Conversation: conv, Messages: msgs, Tools: tools}, nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
