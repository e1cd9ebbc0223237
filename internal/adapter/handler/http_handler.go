package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/core/service"
	"github.com/rl1809/profile-store/internal/port"
)

const profileWaitTimeout = 10 * time.Second

type HTTPHandler struct {
	profiles *service.ProfileService
}

type SessionHTTPRequest struct {
	Key string `json:"key"`
}

type CoinsHTTPRequest struct {
	Key    string `json:"key"`
	Amount *int64 `json:"amount,omitempty"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type InventoryHTTPRequest struct {
	Key      string      `json:"key"`
	Category string      `json:"category"`
	Item     domain.Item `json:"item,omitempty"`
	ID       string      `json:"id,omitempty"`
	Reason   string      `json:"reason"`
}

type SellHTTPRequest struct {
	Key    string           `json:"key"`
	Payout int64            `json:"payout"`
	Items  []domain.ItemRef `json:"items"`
	Reason string           `json:"reason"`
}

type SaveHTTPRequest struct {
	Key      string `json:"key"`
	Reason   string `json:"reason"`
	Verified bool   `json:"verified"`
	FailFast bool   `json:"fail_fast"`
	Force    bool   `json:"force"`
}

type ProfileHTTPResponse struct {
	Key          string                   `json:"key"`
	PersistentID string                   `json:"persistent_id"`
	Version      int64                    `json:"version"`
	Balance      int64                    `json:"balance"`
	Counters     map[string]float64       `json:"counters"`
	Inventory    map[string][]domain.Item `json:"inventory"`
}

type ResultHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Balance *int64 `json:"balance,omitempty"`
	Version int64  `json:"version,omitempty"`
}

func NewHTTPHandler(profiles *service.ProfileService) *HTTPHandler {
	return &HTTPHandler{profiles: profiles}
}

// Routes registers every profile endpoint on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/api/session/start", h.StartSession)
	mux.HandleFunc("/api/session/end", h.EndSession)
	mux.HandleFunc("/api/profile", h.GetProfile)
	mux.HandleFunc("/api/coins", h.Coins)
	mux.HandleFunc("/api/inventory/add", h.AddItem)
	mux.HandleFunc("/api/inventory/remove", h.RemoveItem)
	mux.HandleFunc("/api/sell", h.Sell)
	mux.HandleFunc("/api/save", h.Save)
}

func (h *HTTPHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req SessionHTTPRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}

	p, err := h.profiles.WaitForProfile(r.Context(), req.Key, profileWaitTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse(req.Key, p))
}

func (h *HTTPHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req SessionHTTPRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}

	// The final save must not be cut short by the client going away.
	ctx := context.WithoutCancel(r.Context())
	if !h.profiles.EndSession(ctx, req.Key) {
		writeJSON(w, http.StatusAccepted, ResultHTTPResponse{
			Success: false,
			Message: "final save failed, retrying in background",
		})
		return
	}
	writeResult(w, http.StatusOK, "session ended")
}

func (h *HTTPHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}

	p, err := h.profiles.GetProfile(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse(key, p))
}

// Coins sets the balance when amount is present and applies delta otherwise.
func (h *HTTPHandler) Coins(w http.ResponseWriter, r *http.Request) {
	var req CoinsHTTPRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}

	var (
		balance int64
		err     error
	)
	if req.Amount != nil {
		balance = *req.Amount
		err = h.profiles.SetCoins(req.Key, balance, req.Reason)
	} else {
		balance, err = h.profiles.IncrementCoins(req.Key, req.Delta, req.Reason)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultHTTPResponse{Success: true, Message: "balance updated", Balance: &balance})
}

func (h *HTTPHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req InventoryHTTPRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Key == "" || req.Category == "" || len(req.Item) == 0 {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}

	if err := h.profiles.AddInventoryItem(req.Key, req.Category, req.Item, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, "item stored")
}

func (h *HTTPHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	var req InventoryHTTPRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Key == "" || req.Category == "" || req.ID == "" {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}

	if err := h.profiles.RemoveInventoryItem(req.Key, req.Category, req.ID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, "item removed")
}

func (h *HTTPHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellHTTPRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Key == "" || len(req.Items) == 0 || req.Payout < 0 {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}

	res, err := h.profiles.ApplyAtomicTransaction(r.Context(), req.Key, req.Payout, req.Items, req.Reason)
	if err != nil && !res.Saved && res.Removed > 0 {
		// Applied in memory; the background path keeps trying to persist it.
		writeJSON(w, http.StatusAccepted, ResultHTTPResponse{
			Success: false,
			Message: "sale applied but not yet saved",
			Balance: &res.Balance,
			Version: res.Version,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultHTTPResponse{
		Success: true,
		Message: "sale completed",
		Balance: &res.Balance,
		Version: res.Version,
	})
}

func (h *HTTPHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req SaveHTTPRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeResult(w, http.StatusBadRequest, "missing required fields")
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	if req.Force {
		if _, err := h.profiles.ForceFullSaveNow(r.Context(), req.Key, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, http.StatusOK, "profile saved")
		return
	}

	err := h.profiles.SaveNow(req.Key, req.Reason, port.SaveOptions{Verified: req.Verified, FailFast: req.FailFast})
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusAccepted, "save scheduled")
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cached":  len(h.profiles.CachedKeys()),
	})
}

func decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeResult(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, service.ErrNoProfile):
		status = http.StatusNotFound
		message = "profile not loaded"
	case errors.Is(err, service.ErrItemNotFound):
		status = http.StatusNotFound
		message = "item not found"
	case errors.Is(err, service.ErrInsufficientBalance):
		status = http.StatusConflict
		message = "insufficient balance"
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, domain.ErrMissingCanonicalID):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, service.ErrBlocked):
		status = http.StatusConflict
		message = "write blocked"
	case errors.Is(err, service.ErrLocked), errors.Is(err, service.ErrSaveTimeout),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		message = "save timed out"
	case errors.Is(err, service.ErrBackendUnavailable), errors.Is(err, service.ErrVerificationMismatch):
		status = http.StatusServiceUnavailable
		message = "backend unavailable"
	}

	writeResult(w, status, message)
}

func writeResult(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ResultHTTPResponse{
		Success: status < http.StatusBadRequest,
		Message: message,
	})
}

func profileResponse(key string, p *domain.Profile) ProfileHTTPResponse {
	return ProfileHTTPResponse{
		Key:          key,
		PersistentID: p.PersistentID,
		Version:      p.DataVersion,
		Balance:      p.Core.Balance,
		Counters:     p.Core.Counters,
		Inventory:    p.Inventory,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
