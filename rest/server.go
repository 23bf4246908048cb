package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/letsconnect/flowkit/bus"
	"github.com/letsconnect/flowkit/logger"
	"github.com/letsconnect/flowkit/service"
	"go.uber.org/zap"
)

// Server is the producer-side intake surface: API handlers and webhooks
// publish events here; runs can be inspected for audit. The application's
// CRUD API lives elsewhere.
type Server struct {
	http.Server
	Port             int
	eventBus         *bus.EventBus
	executionService *service.ExecutionService
}

func NewServer(httpPort int, eventBus *bus.EventBus, executionService *service.ExecutionService) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		eventBus:         eventBus,
		executionService: executionService,
		Port:             httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/event", s.HandleEvent).Methods(http.MethodPost)
	router.HandleFunc("/run/{id}", s.HandleGetRun).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
