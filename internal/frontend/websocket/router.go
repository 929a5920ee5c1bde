package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/lobby"
	"github.com/AustejaJak/tincisnotcatan/internal/observability"
)

const (
	defaultOutcomeLimit = 20
	maxOutcomeLimit     = 200
)

// LobbyView is the read-only lobby surface exposed over HTTP.
type LobbyView interface {
	Stats() lobby.Stats
	Groups() []group.Summary
}

// OutcomeLister lists recently closed groups, newest first.
type OutcomeLister interface {
	Recent(ctx context.Context, limit int) ([]lobby.Outcome, error)
}

// RouterConfig wires the HTTP surface. Outcomes may be nil.
type RouterConfig struct {
	Path     string
	WS       http.Handler
	Lobby    LobbyView
	Outcomes OutcomeLister
	Logger   *zap.Logger
}

// NewRouter mounts the websocket endpoint and the lobby status routes.
//
// Precondition: cfg.WS, cfg.Lobby and cfg.Logger must be non-nil.
func NewRouter(cfg RouterConfig) *chi.Mux {
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observability.RequestLogger(cfg.Logger.Named("http")))

	r.Handle(path, cfg.WS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Route("/lobby", func(r chi.Router) {
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Lobby.Stats())
		})
		r.Get("/groups", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Lobby.Groups())
		})
		if cfg.Outcomes != nil {
			r.Get("/outcomes", outcomesHandler(cfg.Outcomes, cfg.Logger))
		}
	})
	return r
}

func outcomesHandler(list OutcomeLister, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultOutcomeLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
				return
			}
			limit = min(n, maxOutcomeLimit)
		}
		outcomes, err := list.Recent(r.Context(), limit)
		if err != nil {
			logger.Error("listing outcomes", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
