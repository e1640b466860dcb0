package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/circuitbreaker"
	"github.com/catalystcommunity/pierre/internal/metrics"
	"github.com/catalystcommunity/pierre/internal/rotation"
	"github.com/rs/cors"
)

const healthTimeout = 3 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type KeyState interface {
	Initialized() bool
}

type RotationStats interface {
	Stats() rotation.Stats
}

// Dependencies are the components the health endpoint reports on. Nil
// members are skipped.
type Dependencies struct {
	Store           Pinger
	Keys            KeyState
	Breakers        *circuitbreaker.Registry
	Rotation        RotationStats
	MigrationsReady func() bool
}

type breakerStatus struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	FailureCount   uint32 `json:"failure_count"`
	RetryAfterSecs uint64 `json:"retry_after_secs,omitempty"`
}

type healthResponse struct {
	Status          string          `json:"status"`
	Database        string          `json:"database,omitempty"`
	Migrations      string          `json:"migrations,omitempty"`
	KeysInitialized *bool           `json:"keys_initialized,omitempty"`
	CircuitBreakers []breakerStatus `json:"circuit_breakers,omitempty"`
	KeyRotation     *rotation.Stats `json:"key_rotation,omitempty"`
}

// GetAppMux registers the health and metrics routes.
func GetAppMux(deps Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	health := healthHandler(deps)

	mux.HandleFunc("/api/health", health)
	mux.HandleFunc("/api/v1/health", health)
	mux.Handle("/api/v1/metrics", metrics.Handler())
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// NewRouter creates a new router for the API with CORS handling
func NewRouter(deps Dependencies) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(GetAppMux(deps))
}

func healthHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "OK"}
		healthy := true

		if deps.Store != nil {
			resp.Database = "ok"
			if err := deps.Store.Ping(ctx); err != nil {
				logging.Log.WithError(err).Warn("health check: database unreachable")
				resp.Database = "unreachable"
				healthy = false
			}
		}
		if deps.MigrationsReady != nil {
			resp.Migrations = "complete"
			if !deps.MigrationsReady() {
				resp.Migrations = "pending"
				healthy = false
			}
		}
		if deps.Keys != nil {
			initialized := deps.Keys.Initialized()
			resp.KeysInitialized = &initialized
			healthy = healthy && initialized
		}
		if deps.Breakers != nil {
			for _, s := range deps.Breakers.Statuses() {
				resp.CircuitBreakers = append(resp.CircuitBreakers, breakerStatus{
					Name:           s.Name,
					State:          s.State.String(),
					FailureCount:   s.FailureCount,
					RetryAfterSecs: s.RetryAfterSecs,
				})
			}
		}
		if deps.Rotation != nil {
			stats := deps.Rotation.Stats()
			resp.KeyRotation = &stats
		}

		status := http.StatusOK
		if !healthy {
			resp.Status = "UNAVAILABLE"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
