package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"ledgersink/archive"
	"ledgersink/consumer"
	"ledgersink/logger"
	"ledgersink/types"
)

// Server represents the HTTP API server
type Server struct {
	router *mux.Router
	server *http.Server
	addr   string
	log    *logger.Logger

	pools      []StatsSource
	consumer   *consumer.Consumer
	deadLetter *archive.DeadLetterLog
	reconciler *archive.Reconciler
	metrics    http.Handler
	started    time.Time
}

// Response is a standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type StatsSource interface {
	Stats() types.PoolStats
}

// Deps are the components the API reports on. Nil members disable their endpoints.
type Deps struct {
	Pools      []StatsSource
	Consumer   *consumer.Consumer
	DeadLetter *archive.DeadLetterLog
	Reconciler *archive.Reconciler
	Metrics    http.Handler
}

func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = ":8080"
	}
	s := &Server{
		router:     mux.NewRouter(),
		addr:       addr,
		log:        logger.L(),
		pools:      deps.Pools,
		consumer:   deps.Consumer,
		deadLetter: deps.DeadLetter,
		reconciler: deps.Reconciler,
		metrics:    deps.Metrics,
		started:    time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.log.Debug("Request received", map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			next.ServeHTTP(w, r)
		})
	})

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/deadletter", s.handleDeadLetters).Methods("GET")
	api.HandleFunc("/deadletter/reconcile", s.handleReconcile).Methods("POST")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting API server", map[string]interface{}{
			"addr": s.addr,
		})
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.log.Info("Shutting down API server", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	SendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "ledgersink is running",
		Data: map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
			"time":   time.Now().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pools := make([]types.PoolStats, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p.Stats())
	}
	data := map[string]interface{}{"pools": pools}
	if s.consumer != nil {
		data["consumer"] = s.consumer.Stats()
	}
	SendJSONResponse(w, http.StatusOK, Response{Success: true, Data: data})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetter == nil {
		SendErrorResponse(w, http.StatusNotFound, "Dead-letter log not configured", nil)
		return
	}
	entries, err := s.deadLetter.Entries()
	if err != nil {
		SendErrorResponse(w, http.StatusInternalServerError, "Failed to read dead-letter log", err)
		return
	}
	if entries == nil {
		entries = []types.DeadLetterEntry{}
	}
	SendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"count":   len(entries),
			"entries": entries,
		},
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		SendErrorResponse(w, http.StatusNotFound, "Reconciler not configured", nil)
		return
	}
	report, err := s.reconciler.Run(r.Context())
	if errors.Is(err, archive.ErrReconcileInProgress) {
		SendErrorResponse(w, http.StatusConflict, "Reconciliation already running", err)
		return
	}
	if err != nil {
		SendErrorResponse(w, http.StatusInternalServerError, "Reconciliation failed", err)
		return
	}
	SendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Reconciliation complete",
		Data:    report,
	})
}

// SendJSONResponse is a helper function to send a JSON response
func SendJSONResponse(w http.ResponseWriter, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// SendErrorResponse is a helper function to send an error response
func SendErrorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := Response{
		Success: false,
		Message: message,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	SendJSONResponse(w, status, resp)
}
