package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/internal/pipeline"
	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// Engine is the slice of the orchestrator the API exposes.
type Engine interface {
	DispatchNearest(ctx context.Context, notice dispatch.Notice, lat, lng float64, role dispatch.Role, k int) (*dispatch.DispatchResult, error)
	DispatchToRecipient(ctx context.Context, notice dispatch.Notice, id urn.URN) (*dispatch.DispatchResult, error)
	Pending(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context, ids []string) (map[string]dispatch.DeliveryReceipt, error)
}

type DispatchAPI struct {
	Engine   Engine
	Store    dispatch.RecipientStore
	GeoIndex dispatch.GeoIndex
	Logger   *slog.Logger
}

func NewDispatchAPI(engine Engine, store dispatch.RecipientStore, geo dispatch.GeoIndex, logger *slog.Logger) *DispatchAPI {
	return &DispatchAPI{
		Engine:   engine,
		Store:    store,
		GeoIndex: geo,
		Logger:   logger,
	}
}

func (api *DispatchAPI) caller(w http.ResponseWriter, r *http.Request) (urn.URN, bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return urn.URN{}, false
	}
	id, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid caller id")
		return urn.URN{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// --- Dispatch & Reconcile ---

// Dispatch runs one synchronous dispatch and returns the full result,
// losses and all, so the caller can branch on remediation.
func (api *DispatchAPI) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := api.caller(w, r); !ok {
		return
	}

	var req pipeline.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := req.Validate(); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var result *dispatch.DispatchResult
	var err error
	if req.Nearest != nil {
		n := req.Nearest
		result, err = api.Engine.DispatchNearest(ctx, req.Notice, n.Lat, n.Lng, dispatch.Role(n.Role), n.K)
	} else {
		result, err = api.Engine.DispatchToRecipient(ctx, req.Notice, req.Recipient())
	}
	if err != nil {
		api.Logger.Error("dispatch failed", "err", err)
		response.WriteJSONError(w, http.StatusBadGateway, "dispatch failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type ReconcileRequest struct {
	IDs []string `json:"ids"`
}

// Reconcile resolves submission ids into delivery receipts. Ids with no
// receipt yet are absent from the response; poll again later. A request
// naming no ids reconciles everything still parked in the pending ticket
// store.
func (api *DispatchAPI) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := api.caller(w, r); !ok {
		return
	}

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ids := req.IDs
	if len(ids) == 0 {
		var err error
		ids, err = api.Engine.Pending(ctx)
		if err != nil {
			api.Logger.Error("pending ticket listing failed", "err", err)
			response.WriteJSONError(w, http.StatusBadGateway, "reconcile failed")
			return
		}
		if len(ids) == 0 {
			writeJSON(w, http.StatusOK, map[string]dispatch.DeliveryReceipt{})
			return
		}
	}

	receipts, err := api.Engine.Reconcile(ctx, ids)
	if err != nil {
		api.Logger.Error("reconcile failed", "err", err)
		response.WriteJSONError(w, http.StatusBadGateway, "reconcile failed")
		return
	}

	writeJSON(w, http.StatusOK, receipts)
}

// --- Token registration ---

type RegisterTokenRequest struct {
	Address  string `json:"address"`
	Platform string `json:"platform"`
}

func (api *DispatchAPI) RegisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID, ok := api.caller(w, r)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Address == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing address")
		return
	}

	if err := api.Store.RegisterToken(ctx, callerID, req.Address, dispatch.Platform(req.Platform)); err != nil {
		api.Logger.Error("failed to register token", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type UnregisterTokenRequest struct {
	Address string `json:"address"`
}

func (api *DispatchAPI) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID, ok := api.caller(w, r)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := api.Store.UnregisterToken(ctx, callerID, req.Address); err != nil {
		// Log but don't fail hard; idempotency is preferred for unregister
		api.Logger.Warn("failed to unregister token", "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Preferences ---

type PreferenceRequest struct {
	Category string `json:"category"`
	Allowed  *bool  `json:"allowed"`
}

func (api *DispatchAPI) SetPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID, ok := api.caller(w, r)
	if !ok {
		return
	}

	var req PreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Category == "" || req.Allowed == nil {
		response.WriteJSONError(w, http.StatusBadRequest, "missing category or allowed")
		return
	}

	if err := api.Store.SetPreference(ctx, callerID, req.Category, *req.Allowed); err != nil {
		api.Logger.Error("failed to set preference", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Location ---

type LocationRequest struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Role      string  `json:"role"`
	Available bool    `json:"available"`
}

// UpdateLocation records a fresh position observation: the snapshot store
// gets the observation time, the geo index gets the coordinates. Going
// unavailable removes the caller from the index entirely.
func (api *DispatchAPI) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID, ok := api.caller(w, r)
	if !ok {
		return
	}

	var req LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	role := dispatch.Role(req.Role)
	if role == "" {
		role = dispatch.RoleProvider
	}

	pos := dispatch.Position{Lat: req.Lat, Lng: req.Lng, ObservedAt: time.Now()}
	if err := api.Store.UpdateLocation(ctx, callerID, pos, req.Available); err != nil {
		api.Logger.Error("failed to update location", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	if req.Available {
		if err := api.GeoIndex.Update(ctx, role, callerID, req.Lat, req.Lng); err != nil {
			api.Logger.Error("failed to update geo index", "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "geo index failed")
			return
		}
	} else {
		if err := api.GeoIndex.Remove(ctx, role, callerID); err != nil {
			api.Logger.Warn("failed to remove from geo index", "err", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
