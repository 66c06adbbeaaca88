// Package api serves the read-only HTTP surface over the projection:
// assets, positions, trader groupings, the price-indexed books,
// exposure, and the on-demand verification endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/perp-indexer/internal/metrics"
	"github.com/atmx/perp-indexer/internal/model"
	"github.com/atmx/perp-indexer/internal/projection"
	"github.com/atmx/perp-indexer/internal/reconcile"
	"github.com/atmx/perp-indexer/internal/store"
)

// Server is the read API.
type Server struct {
	store  store.Store
	assets *projection.AssetCache
	rec    *reconcile.Reconciler
	hub    *WSHub
}

// NewServer creates the API over st. rec may be nil (verification
// disabled); hub may be nil.
func NewServer(st store.Store, rec *reconcile.Reconciler, hub *WSHub) *Server {
	return &Server{
		store:  st,
		assets: projection.NewAssetCache(st),
		rec:    rec,
		hub:    hub,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/assets", s.handleAssets)
	r.Get("/assets/{id}", s.handleAsset)
	r.Get("/position/{id}", s.handlePosition)
	r.Get("/trader/{addr}", s.handleTrader)

	r.Get("/bucket/orders", s.handleOrders)
	r.Get("/bucket/stops", s.handleStops)
	r.Get("/bucket/orders-range", s.handleOrdersRange)
	r.Get("/bucket/stops-range", s.handleStopsRange)
	r.Get("/bucket/range", s.handleCombinedRange)

	r.Get("/exposure", s.handleExposure)
	r.Get("/exposure/{assetId}", s.handleAssetExposure)

	r.Get("/verify/{csvIds}", s.handleVerify)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code string, status int) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Assets ---

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.ListAssets(r.Context())
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	id, err := parseAssetID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errAssetIDInvalid, http.StatusBadRequest)
		return
	}
	asset, err := s.store.GetAsset(r.Context(), id)
	if errors.Is(err, store.ErrAssetNotFound) {
		writeError(w, errAssetNotFound, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// --- Positions ---

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errBadRequest, http.StatusBadRequest)
		return
	}
	pos, err := s.store.GetPosition(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, errPositionNotFound, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleTrader(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, errInvalidAddress, http.StatusBadRequest)
		return
	}
	tp, err := s.store.PositionsByOwner(r.Context(), addr)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

// --- Books ---

// resolveAsset loads the asset named by ?asset= with the error mapping
// the endpoints share. Assets are immutable, so the book endpoints read
// through the monotonic in-process cache.
func (s *Server) resolveAsset(w http.ResponseWriter, r *http.Request) (*model.Asset, bool) {
	assetS := r.URL.Query().Get("asset")
	if assetS == "" {
		writeError(w, errAssetRequired, http.StatusBadRequest)
		return nil, false
	}
	id, err := parseAssetID(assetS)
	if err != nil {
		writeError(w, errAssetIDInvalid, http.StatusBadRequest)
		return nil, false
	}
	asset, err := s.assets.Get(r.Context(), id)
	if errors.Is(err, store.ErrAssetNotFound) {
		writeError(w, errAssetNotFound, http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return nil, false
	}
	return asset, true
}

// singleBucketQuery builds the LevelQuery for /bucket/orders and
// /bucket/stops.
func (s *Server) singleBucketQuery(w http.ResponseWriter, r *http.Request) (*model.Asset, store.LevelQuery, bool) {
	asset, ok := s.resolveAsset(w, r)
	if !ok {
		return nil, store.LevelQuery{}, false
	}
	q := r.URL.Query()

	bucket, err := parseBucketArg(q.Get("bucket"), q.Get("price"), asset)
	if err != nil {
		status := http.StatusBadRequest
		writeError(w, err.Error(), status)
		return nil, store.LevelQuery{}, false
	}
	side, err := parseSide(q.Get("side"))
	if err != nil {
		writeError(w, errBadRequest, http.StatusBadRequest)
		return nil, store.LevelQuery{}, false
	}
	desc, err := parseOrderDesc(q.Get("order"))
	if err != nil {
		writeError(w, errBadRequest, http.StatusBadRequest)
		return nil, store.LevelQuery{}, false
	}
	if sort := strings.ToLower(q.Get("sort")); sort != "" && sort != "bucket" && sort != "price" {
		writeError(w, errBadRequest, http.StatusBadRequest)
		return nil, store.LevelQuery{}, false
	}

	return asset, store.LevelQuery{
		AssetID:    asset.ID,
		FromBucket: bucket,
		ToBucket:   bucket,
		Side:       side,
		Desc:       desc,
	}, true
}

// rangeQuery builds the LevelQuery for the -range endpoints.
func (s *Server) rangeQuery(w http.ResponseWriter, r *http.Request) (*model.Asset, store.LevelQuery, bool) {
	asset, ok := s.resolveAsset(w, r)
	if !ok {
		return nil, store.LevelQuery{}, false
	}
	q := r.URL.Query()

	from, err := parseBucketArg(q.Get("from_bucket"), q.Get("from"), asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, store.LevelQuery{}, false
	}
	to, err := parseBucketArg(q.Get("to_bucket"), q.Get("to"), asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, store.LevelQuery{}, false
	}
	if from > to {
		from, to = to, from
	}
	side, err := parseSide(q.Get("side"))
	if err != nil {
		writeError(w, errBadRequest, http.StatusBadRequest)
		return nil, store.LevelQuery{}, false
	}
	desc, err := parseOrderDesc(q.Get("order"))
	if err != nil {
		writeError(w, errBadRequest, http.StatusBadRequest)
		return nil, store.LevelQuery{}, false
	}

	return asset, store.LevelQuery{
		AssetID:    asset.ID,
		FromBucket: from,
		ToBucket:   to,
		Side:       side,
		Desc:       desc,
	}, true
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.singleBucketQuery(w, r)
	if !ok {
		return
	}
	levels, err := s.store.OrderLevels(r.Context(), q)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": levels, "count": len(levels)})
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.singleBucketQuery(w, r)
	if !ok {
		return
	}
	levels, err := s.store.StopLevels(r.Context(), q)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": levels, "count": len(levels)})
}

func (s *Server) handleOrdersRange(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.rangeQuery(w, r)
	if !ok {
		return
	}
	levels, err := s.store.OrderLevels(r.Context(), q)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": levels, "count": len(levels)})
}

func (s *Server) handleStopsRange(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.rangeQuery(w, r)
	if !ok {
		return
	}
	levels, err := s.store.StopLevels(r.Context(), q)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": levels, "count": len(levels)})
}

func (s *Server) handleCombinedRange(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.rangeQuery(w, r)
	if !ok {
		return
	}
	orders, err := s.store.OrderLevels(r.Context(), q)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	stops, err := s.store.StopLevels(r.Context(), q)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "stops": stops})
}

// --- Exposure ---

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	views, err := s.store.GetExposure(r.Context())
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAssetExposure(w http.ResponseWriter, r *http.Request) {
	id, err := parseAssetID(chi.URLParam(r, "assetId"))
	if err != nil {
		writeError(w, errAssetIDInvalid, http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetAsset(r.Context(), id); errors.Is(err, store.ErrAssetNotFound) {
		writeError(w, errAssetNotFound, http.StatusNotFound)
		return
	} else if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	views, err := s.store.AssetExposure(r.Context(), id)
	if err != nil {
		writeError(w, errStorageUnreachable, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Verification ---

// verifyResponse is the /verify body: {checked, updated, mismatches}
// plus the underlying run summary for operators.
type verifyResponse struct {
	Checked    int64              `json:"checked"`
	Updated    int64              `json:"updated"`
	Mismatches int64              `json:"mismatches"`
	Summary    *reconcile.Summary `json:"summary"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}
	ids, err := parseCSVIDs(chi.URLParam(r, "csvIds"))
	if err != nil {
		writeError(w, errBadRequest, http.StatusBadRequest)
		return
	}

	sum := s.rec.ReconcileStates(r.Context(), ids)
	resp := verifyResponse{
		Checked:    sum.Scanned,
		Updated:    sum.Corrections(),
		Mismatches: sum.Corrections(),
		Summary:    sum,
	}
	status := http.StatusOK
	if sum.RPCFailed > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}
