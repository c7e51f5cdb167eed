package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/aegis-exec/internal/api/handlers"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// Handlers bundles every endpoint group
type Handlers struct {
	Halt      *handlers.HaltHandler
	Reconcile *handlers.ReconcileHandler
	Symbols   *handlers.SymbolHandler
	Decisions *handlers.DecisionHandler
}

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(h Handlers, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Kill switch
	api.HandleFunc("/halt", h.Halt.GetStatus).Methods("GET")
	api.HandleFunc("/halt", h.Halt.Activate).Methods("POST")
	api.HandleFunc("/halt/reset", h.Halt.Reset).Methods("POST")

	// Reconciliation
	api.HandleFunc("/reconcile", h.Reconcile.Run).Methods("POST")
	api.HandleFunc("/reconcile/last", h.Reconcile.GetLast).Methods("GET")

	// Ledger state
	api.HandleFunc("/symbols/{symbol}/state", h.Symbols.GetState).Methods("GET")

	// Manual decisions
	if h.Decisions != nil {
		api.HandleFunc("/decisions", h.Decisions.Enqueue).Methods("POST")
	}

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "aegis-exec",
	})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
