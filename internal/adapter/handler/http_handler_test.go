package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/profile-store/internal/adapter/storage"
	"github.com/rl1809/profile-store/internal/core/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.ProfileService) {
	t.Helper()

	db, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	opts := service.DefaultOptions()
	opts.Cache.Debounce = time.Hour
	opts.Cache.MaxDebounce = time.Hour
	opts.Cache.SweepInterval = 0
	opts.Writer.SettleDelay = 0
	opts.Writer.Retry.BaseDelay = time.Millisecond
	opts.Writer.Retry.MaxDelay = time.Millisecond
	svc := service.NewProfileService(storage.NewBadgerAdapter(db), nil, opts)

	mux := http.NewServeMux()
	NewHTTPHandler(svc).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, svc
}

func post(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, ResultHTTPResponse) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out ResultHTTPResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHTTPHandler_SessionAndCoins(t *testing.T) {
	srv, svc := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/session/start", "application/json", bytes.NewBufferString(`{"key":"player-1"}`))
	require.NoError(t, err)
	var profile ProfileHTTPResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&profile))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, profile.PersistentID)

	resp2, out := post(t, srv, "/api/coins", map[string]any{"key": "player-1", "delta": 250, "reason": "quest"})
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	require.NotNil(t, out.Balance)
	assert.Equal(t, int64(250), *out.Balance)

	resp3, _ := post(t, srv, "/api/coins", map[string]any{"key": "player-1", "delta": -1000})
	assert.Equal(t, http.StatusConflict, resp3.StatusCode)

	resp4, _ := post(t, srv, "/api/save", map[string]any{"key": "player-1", "force": true})
	assert.Equal(t, http.StatusOK, resp4.StatusCode)

	p, err := svc.GetProfile("player-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.DataVersion)

	resp5, _ := post(t, srv, "/api/session/end", map[string]any{"key": "player-1"})
	assert.Equal(t, http.StatusOK, resp5.StatusCode)
	assert.Empty(t, svc.CachedKeys())
}

func TestHTTPHandler_InventoryAndSell(t *testing.T) {
	srv, _ := newTestServer(t)

	post(t, srv, "/api/session/start", map[string]any{"key": "player-2"})

	resp, _ := post(t, srv, "/api/inventory/add", map[string]any{
		"key":      "player-2",
		"category": "captured",
		"item":     map[string]any{"petId": "b-1", "name": "otter"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = post(t, srv, "/api/inventory/add", map[string]any{
		"key":      "player-2",
		"category": "captured",
		"item":     map[string]any{"name": "no id"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, "/api/sell", map[string]any{
		"key":    "player-2",
		"payout": 40,
		"items":  []map[string]string{{"category": "captured", "id": "missing"}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out := post(t, srv, "/api/sell", map[string]any{
		"key":    "player-2",
		"payout": 40,
		"items":  []map[string]string{{"category": "captured", "id": "b-1"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, out.Balance)
	assert.Equal(t, int64(40), *out.Balance)
	assert.Equal(t, int64(1), out.Version)

	getResp, err := http.Get(srv.URL + "/api/profile?key=player-2")
	require.NoError(t, err)
	defer getResp.Body.Close()
	var profile ProfileHTTPResponse
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&profile))
	assert.Empty(t, profile.Inventory["captured"])
}

func TestHTTPHandler_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/coins")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/coins", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, _ := post(t, srv, "/api/coins", map[string]any{"key": "never-loaded", "delta": 1})
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/api/profile")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}
