package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

type fakeProvider struct {
	view StateView
}

func (f fakeProvider) CurrentState() StateView { return f.view }

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	s := New(Config{Port: "0"}, fakeProvider{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStateEndpointRequiresAuthTokenWhenConfigured(t *testing.T) {
	s := New(Config{Port: "0", AuthToken: "secret"}, fakeProvider{view: StateView{SessionDate: "20240610"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req2.Header.Set("X-Auth-Token", "secret")
	rec2 := httptest.NewRecorder()
	s.router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var view StateView
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&view))
	assert.Equal(t, "20240610", view.SessionDate)
}

func TestPositionsEndpointReturnsActiveAndClosed(t *testing.T) {
	view := StateView{
		ActivePosition:  &models.Position{OrderID: "o1"},
		ClosedPositions: []models.Position{{OrderID: "o0"}},
	}
	s := New(Config{Port: "0"}, fakeProvider{view: view}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Active *models.Position  `json:"active"`
		Closed []models.Position `json:"closed"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.NotNil(t, out.Active)
	assert.Equal(t, "o1", out.Active.OrderID)
	require.Len(t, out.Closed, 1)
}
