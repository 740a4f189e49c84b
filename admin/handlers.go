// Package admin serves health, capture status, replay control and metrics over HTTP.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/notify"
	"github.com/maxpert/indexsync/replay"
	"github.com/rs/zerolog/log"
)

// ReplayControl is the replay worker surface the admin endpoints use
type ReplayControl interface {
	Start()
	Stop()
	Running() bool
	Stats() replay.Stats
}

// TransactionSource opens index transactions, wrapped with capture when it is enabled
type TransactionSource interface {
	Begin(provider index.Provider, keys index.KeyInformationRetriever) index.Transaction
}

// Upper bound of the ?wait= / ?timeout= durations
const maxWait = time.Minute

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	capture  cfg.CaptureConfiguration
	worker   ReplayControl                 // nil when the replay worker is disabled
	provider index.Provider                // nil when no index is open
	source   TransactionSource             // nil = document writes disabled
	keys     index.KeyInformationRetriever // Key information for writes, nil = provider's
	hub      *notify.Hub                   // Applied-batch signals, nil = waiting disabled
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(captureConfig cfg.CaptureConfiguration, worker ReplayControl, provider index.Provider) *AdminHandlers {
	return &AdminHandlers{
		capture:  captureConfig,
		worker:   worker,
		provider: provider,
	}
}

// WithWriter enables the document write endpoints through source, resolving
// field metadata with keys
func (h *AdminHandlers) WithWriter(source TransactionSource, keys index.KeyInformationRetriever) *AdminHandlers {
	h.source = source
	h.keys = keys
	return h
}

// WithHub lets callers wait for replayed batches
func (h *AdminHandlers) WithHub(hub *notify.Hub) *AdminHandlers {
	h.hub = hub
	return h
}

// handleHealth reports liveness; always 200 while the process serves HTTP
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":       "ok",
		"cdc_enabled":  h.capture.Enabled,
		"index_opened": h.provider != nil,
	}
	if h.worker != nil {
		status["replay_running"] = h.worker.Running()
	}
	writeJSONResponse(w, status, false, "")
}

// handleCDCStatus returns the capture configuration and replay counters
func (h *AdminHandlers) handleCDCStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"enabled":           h.capture.Enabled,
		"mode":              h.capture.Mode.String(),
		"broker":            h.capture.Broker,
		"bootstrap_servers": h.capture.Brokers(),
		"topic":             h.capture.Topic,
		"format":            h.capture.Format,
		"stores":            h.capture.Stores,
	}
	if h.worker != nil {
		status["replay"] = h.worker.Stats()
	}
	writeJSONResponse(w, status, false, "")
}

// handleReplayStart handles POST /cdc/replay/start
func (h *AdminHandlers) handleReplayStart(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeErrorResponse(w, http.StatusConflict, "replay worker is not configured")
		return
	}
	h.worker.Start()
	log.Info().Str("remote", r.RemoteAddr).Msg("Replay worker started via admin API")
	writeJSONResponse(w, map[string]any{"success": true, "running": h.worker.Running()}, false, "")
}

// handleReplayStop handles POST /cdc/replay/stop
func (h *AdminHandlers) handleReplayStop(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeErrorResponse(w, http.StatusConflict, "replay worker is not configured")
		return
	}
	h.worker.Stop()
	log.Info().Str("remote", r.RemoteAddr).Msg("Replay worker stopped via admin API")
	writeJSONResponse(w, map[string]any{"success": true, "running": h.worker.Running()}, false, "")
}

// handleReplayWait handles GET /cdc/replay/wait?store=&timeout=, a long poll that
// returns the next applied batch touching store (any store when empty)
func (h *AdminHandlers) handleReplayWait(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil || h.hub == nil {
		writeErrorResponse(w, http.StatusConflict, "replay worker is not configured")
		return
	}
	timeout, err := parseWait(r, "timeout", 30*time.Second)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var filter notify.Filter
	if store := r.URL.Query().Get("store"); store != "" {
		filter.Stores = []string{store}
	}
	signals, cancel := h.hub.Subscribe(filter)
	defer cancel()

	writeJSONResponse(w, waitForBatch(r, signals, timeout), false, "")
}

// handleStoreDocuments handles GET /index/{store}/documents?limit=&offset=
func (h *AdminHandlers) handleStoreDocuments(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "index is not open")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOffset(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	store := chi.URLParam(r, "store")
	// One extra id tells whether another page exists
	ids, err := h.provider.Query(r.Context(), index.Query{Store: store, Offset: offset, Limit: limit + 1})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	lastKey := ""
	if hasMore {
		lastKey = ids[len(ids)-1]
	}
	writeJSONResponse(w, ids, hasMore, lastKey)
}

// handleStoreCount handles GET /index/{store}/count
func (h *AdminHandlers) handleStoreCount(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "index is not open")
		return
	}

	store := chi.URLParam(r, "store")
	count, err := h.provider.QueryAggregation(r.Context(), index.Query{Store: store}, index.Aggregation{Kind: index.AggCount})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]any{"store": store, "count": int64(count)}, false, "")
}

// documentRequest is the body of PUT /index/{store}/documents/{id}
type documentRequest struct {
	Entries []index.Entry `json:"entries"`
	New     bool          `json:"new"` // Replace the document instead of adding to it
}

// handlePutDocument adds entries to a document in one transaction
func (h *AdminHandlers) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil || h.source == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "document writes are disabled")
		return
	}

	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Entries) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "at least one entry is required")
		return
	}

	store, docID := chi.URLParam(r, "store"), chi.URLParam(r, "id")
	tx := h.source.Begin(h.provider, h.keys)
	for _, e := range req.Entries {
		tx.Add(store, docID, e, req.New)
	}
	h.commit(w, r, tx, store, docID)
}

// handleDeleteDocument deletes a document, or a single field with ?key=
func (h *AdminHandlers) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil || h.source == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "document writes are disabled")
		return
	}

	store, docID := chi.URLParam(r, "store"), chi.URLParam(r, "id")
	key := r.URL.Query().Get("key")

	tx := h.source.Begin(h.provider, h.keys)
	tx.Delete(store, docID, key, nil, key == "")
	h.commit(w, r, tx, store, docID)
}

// commit commits tx. With ?wait=<duration> it then waits for the replay worker to
// apply a batch touching store; the subscription is taken before the commit so the
// batch carrying this write cannot be missed.
func (h *AdminHandlers) commit(w http.ResponseWriter, r *http.Request, tx index.Transaction, store, docID string) {
	var signals <-chan notify.Signal
	var timeout time.Duration
	if r.URL.Query().Has("wait") {
		if h.worker == nil || h.hub == nil {
			tx.Rollback(r.Context())
			writeErrorResponse(w, http.StatusConflict, "replay worker is not configured")
			return
		}
		var err error
		if timeout, err = parseWait(r, "wait", 0); err != nil {
			tx.Rollback(r.Context())
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		var cancel func()
		signals, cancel = h.hub.Subscribe(notify.Filter{Stores: []string{store}})
		defer cancel()
	}

	if err := tx.Commit(r.Context()); err != nil {
		var inconsistent *capture.InconsistentCommitError
		if errors.As(err, &inconsistent) {
			// Published: the replay worker will converge the index
			writeErrorResponse(w, http.StatusAccepted, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	response := map[string]any{"success": true, "store": store, "id": docID}
	if signals != nil {
		for k, v := range waitForBatch(r, signals, timeout) {
			response[k] = v
		}
	}
	writeJSONResponse(w, response, false, "")
}

// waitForBatch blocks until a signal, the timeout or the request is cancelled
func waitForBatch(r *http.Request, signals <-chan notify.Signal, timeout time.Duration) map[string]any {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig, ok := <-signals:
		if !ok {
			return map[string]any{"replayed": false}
		}
		return map[string]any{"replayed": true, "batch": sig.Batch, "replayed_store": sig.Store, "documents": sig.Documents}
	case <-timer.C:
		return map[string]any{"replayed": false}
	case <-r.Context().Done():
		return map[string]any{"replayed": false}
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

func parseOffset(r *http.Request) (int, error) {
	offsetStr := r.URL.Query().Get("offset")
	if offsetStr == "" {
		return 0, nil
	}

	offset, err := strconv.Atoi(offsetStr)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid offset parameter")
	}
	return offset, nil
}

// parseWait parses a positive duration such as "500ms" or "5s", capped at maxWait
func parseWait(r *http.Request, name string, fallback time.Duration) (time.Duration, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		if fallback <= 0 {
			return 0, fmt.Errorf("%s requires a duration", name)
		}
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return min(d, maxWait), nil
}
