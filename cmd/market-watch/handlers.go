package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/market-watch/pkg/alert"
	"github.com/Sternrassler/market-watch/pkg/cache"
	"github.com/Sternrassler/market-watch/pkg/metrics"
	"github.com/Sternrassler/market-watch/pkg/pricing"
	"github.com/Sternrassler/market-watch/pkg/ratelimit"
	"github.com/Sternrassler/market-watch/pkg/retry"
	"github.com/Sternrassler/market-watch/pkg/watchlist"
	"github.com/shopspring/decimal"
)

// priceTimeout bounds an interactive price lookup, which may wait behind the
// provider's request queue.
const priceTimeout = 30 * time.Second

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", a.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /stats", a.statsHandler)
	mux.HandleFunc("GET /price", a.priceHandler)
	mux.HandleFunc("POST /sweep", a.sweepHandler)

	mux.HandleFunc("GET /watchlist", a.listItemsHandler)
	mux.HandleFunc("POST /watchlist", a.addItemHandler)
	mux.HandleFunc("GET /watchlist/{id}", a.getItemHandler)
	mux.HandleFunc("PATCH /watchlist/{id}", a.updateItemHandler)
	mux.HandleFunc("DELETE /watchlist/{id}", a.deleteItemHandler)
	mux.HandleFunc("GET /watchlist/{id}/history", a.historyHandler)

	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := a.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		a.logger.Warn().Interface("checks", checks).Msg("Readiness check failed")
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

type statsResponse struct {
	Cache     cache.Stats     `json:"cache"`
	Queue     ratelimit.Stats `json:"queue"`
	Scheduler *schedulerStats `json:"scheduler,omitempty"`
}

type schedulerStats struct {
	Running   bool           `json:"running"`
	LastSweep *alert.Summary `json:"last_sweep,omitempty"`
}

func (a *app) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Cache: a.cache.Stats(),
		Queue: a.queue.Stats(),
	}
	if a.scheduler != nil {
		s := &schedulerStats{Running: a.scheduler.Running()}
		if last, ok := a.scheduler.LastSummary(); ok {
			s.LastSweep = &last
		}
		resp.Scheduler = s
	}
	writeJSON(w, http.StatusOK, resp)
}

type priceResponse struct {
	ItemID    string          `json:"item_id"`
	Price     decimal.Decimal `json:"price"`
	Lowest    decimal.Decimal `json:"lowest"`
	Median    decimal.Decimal `json:"median"`
	Volume    int64           `json:"volume"`
	FetchedAt time.Time       `json:"fetched_at"`
}

func (a *app) priceHandler(w http.ResponseWriter, r *http.Request) {
	item := strings.TrimSpace(r.URL.Query().Get("item"))
	if item == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'item' is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), priceTimeout)
	defer cancel()

	quote, err := a.pricer.Quote(ctx, item)
	if err != nil {
		a.writeLookupError(w, item, err)
		return
	}
	price, ok := quote.Price()
	if !ok {
		writeError(w, http.StatusNotFound, "no price available")
		return
	}

	writeJSON(w, http.StatusOK, priceResponse{
		ItemID:    quote.ItemID,
		Price:     price,
		Lowest:    quote.Lowest,
		Median:    quote.Median,
		Volume:    quote.Volume,
		FetchedAt: quote.FetchedAt,
	})
}

// writeLookupError maps pricing failures to gateway-style responses.
func (a *app) writeLookupError(w http.ResponseWriter, item string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, pricing.ErrPriceUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, retry.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ratelimit.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	default:
		switch retry.Classify(err) {
		case retry.ErrorClassRateLimit:
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "30")
		case retry.ErrorClassClient:
			if retry.StatusCode(err) == http.StatusNotFound {
				status = http.StatusNotFound
			}
		}
	}

	a.logger.Warn().Err(err).Str("item_id", item).Int("status", status).Msg("Price lookup failed")
	writeError(w, status, err.Error())
}

func (a *app) sweepHandler(w http.ResponseWriter, r *http.Request) {
	if a.scheduler == nil {
		writeError(w, http.StatusNotFound, "alert scheduler disabled")
		return
	}

	summary, err := a.scheduler.RunOnce(r.Context())
	switch {
	case errors.Is(err, alert.ErrSweepInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

type itemResponse struct {
	ID           int64           `json:"id"`
	OwnerID      string          `json:"owner_id"`
	ItemID       string          `json:"item_id"`
	Name         string          `json:"name,omitempty"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	AlertEnabled bool            `json:"alert_enabled"`
	LastAlertAt  *time.Time      `json:"last_alert_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toItemResponse(item watchlist.Item) itemResponse {
	resp := itemResponse{
		ID:           item.ID,
		OwnerID:      item.OwnerID,
		ItemID:       item.ItemID,
		Name:         item.Name,
		TargetPrice:  item.TargetPrice,
		CurrentPrice: item.CurrentPrice,
		AlertEnabled: item.AlertEnabled,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
	if !item.LastAlertAt.IsZero() {
		at := item.LastAlertAt
		resp.LastAlertAt = &at
	}
	return resp
}

func (a *app) listItemsHandler(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'owner' is required")
		return
	}

	items, err := a.store.ListByOwner(r.Context(), owner)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toItemResponse(item))
	}
	writeJSON(w, http.StatusOK, out)
}

type addItemRequest struct {
	OwnerID      string          `json:"owner_id"`
	ItemID       string          `json:"item_id"`
	Name         string          `json:"name"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	AlertEnabled *bool           `json:"alert_enabled"`
}

func (a *app) addItemHandler(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enabled := true
	if req.AlertEnabled != nil {
		enabled = *req.AlertEnabled
	}

	item, err := a.store.Add(r.Context(), watchlist.Item{
		OwnerID:      req.OwnerID,
		ItemID:       req.ItemID,
		Name:         req.Name,
		TargetPrice:  req.TargetPrice,
		AlertEnabled: enabled,
	})
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemResponse(item))
}

func (a *app) getItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

type updateItemRequest struct {
	TargetPrice  *decimal.Decimal `json:"target_price"`
	AlertEnabled *bool            `json:"alert_enabled"`
}

func (a *app) updateItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetPrice == nil && req.AlertEnabled == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	ctx := r.Context()
	if req.TargetPrice != nil {
		if err := a.store.SetTargetPrice(ctx, id, *req.TargetPrice); err != nil {
			a.writeStoreError(w, err)
			return
		}
	}
	if req.AlertEnabled != nil {
		if err := a.store.SetAlertEnabled(ctx, id, *req.AlertEnabled); err != nil {
			a.writeStoreError(w, err)
			return
		}
	}

	item, err := a.store.Get(ctx, id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (a *app) deleteItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.Delete(r.Context(), id); err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pricePointResponse struct {
	Price      decimal.Decimal `json:"price"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (a *app) historyHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := a.cfg.Alert.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if _, err := a.store.Get(r.Context(), id); err != nil {
		a.writeStoreError(w, err)
		return
	}
	points, err := a.store.History(r.Context(), id, limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	out := make([]pricePointResponse, 0, len(points))
	for _, p := range points {
		out = append(out, pricePointResponse{Price: p.Price, RecordedAt: p.RecordedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, watchlist.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, watchlist.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, watchlist.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error().Err(err).Msg("Watchlist store error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
