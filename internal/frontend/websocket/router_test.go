package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/frontend/websocket"
	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/lobby"
)

type staticLobby struct{}

func (staticLobby) Stats() lobby.Stats { return lobby.Stats{Open: 2, Started: 5, Finished: 3, Abandoned: 1} }

func (staticLobby) Groups() []group.Summary {
	return []group.Summary{{ID: "01A", Name: "standard #1", Capacity: 4, Size: 2, Status: "ADMITTING"}}
}

type fakeOutcomes struct {
	limit int
	err   error
}

func (f *fakeOutcomes) Recent(_ context.Context, limit int) ([]lobby.Outcome, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []lobby.Outcome{{GroupID: "01A", Reason: "completed", ClosedAt: time.Unix(0, 0).UTC()}}, nil
}

func newTestRouter(outcomes websocket.OutcomeLister) http.Handler {
	return websocket.NewRouter(websocket.RouterConfig{
		WS:       http.NotFoundHandler(),
		Lobby:    staticLobby{},
		Outcomes: outcomes,
		Logger:   zap.NewNop(),
	})
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestRouter_Healthz(t *testing.T) {
	rec, body := get(t, newTestRouter(nil), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ok": true}, body)
}

func TestRouter_Stats(t *testing.T) {
	rec, body := get(t, newTestRouter(nil), "/lobby/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, map[string]any{"open": 2.0, "started": 5.0, "finished": 3.0, "abandoned": 1.0}, body)
}

func TestRouter_Groups(t *testing.T) {
	_, body := get(t, newTestRouter(nil), "/lobby/groups")
	groups := body.([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, "standard #1", groups[0].(map[string]any)["name"])
}

func TestRouter_OutcomesDisabledWithoutLister(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lobby/outcomes", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Outcomes(t *testing.T) {
	f := &fakeOutcomes{}
	rec, body := get(t, newTestRouter(f), "/lobby/outcomes?limit=500")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 200, f.limit, "limit is capped")
	assert.Equal(t, "completed", body.([]any)[0].(map[string]any)["reason"])

	_, _ = get(t, newTestRouter(f), "/lobby/outcomes")
	assert.Equal(t, 20, f.limit)
}

func TestRouter_OutcomesBadLimit(t *testing.T) {
	rec, _ := get(t, newTestRouter(&fakeOutcomes{}), "/lobby/outcomes?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_OutcomesStoreError(t *testing.T) {
	rec, _ := get(t, newTestRouter(&fakeOutcomes{err: errors.New("db down")}), "/lobby/outcomes")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
