package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-addons/internal/lifecycle"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// API serves the admin endpoints.
type API struct {
	admin   Admin
	catalog httpmw.CatalogInfo
	logger  log.Logger
}

func NewAPI(admin Admin, catalog httpmw.CatalogInfo, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{admin: admin, catalog: catalog, logger: logger}
}

func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.With(httpmw.Scope("modules.list")).Get("/modules", api.HandleModules)
		r.With(httpmw.Scope("modules.unload")).Post("/modules/{name}/unload", api.HandleUnload)
		r.With(httpmw.Scope("extensions.load")).Post("/extensions/load", api.HandleLoad)
		r.With(httpmw.Scope("catalog.get")).Get("/catalog", api.HandleCatalog)
		r.With(httpmw.Scope("catalog.sync")).Post("/catalog/sync", api.HandleSync)
		r.With(httpmw.Scope("placement.set")).Put("/placement", api.HandlePlacement)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

type modulesResponse struct {
	Modules []lifecycle.Summary `json:"modules"`
}

type unloadResponse struct {
	Name     string `json:"name"`
	Unloaded bool   `json:"unloaded"`
}

type loadResponse struct {
	Key     string `json:"key"`
	Outcome string `json:"outcome"`
}

type catalogResponse struct {
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
	Keys     []string   `json:"keys"`
}

type placementResponse struct {
	Mode string `json:"mode"`
}

func (api *API) HandleModules(w http.ResponseWriter, r *http.Request) {
	mods := api.admin.Modules()
	if mods == nil {
		mods = []lifecycle.Summary{}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, modulesResponse{Modules: mods})
}

func (api *API) HandleUnload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	if name == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "module name required"})
		return
	}
	ok, err := api.admin.Unload(ctx, name)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "module not loaded"})
		return
	}
	log.FromContext(ctx).Info(ctx, "module unloaded via admin api", "module", name)
	api.writeJSON(ctx, w, http.StatusOK, unloadResponse{Name: name, Unloaded: true})
}

func (api *API) HandleLoad(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Query().Get("path")
	if key == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "path query parameter required"})
		return
	}
	outcome, err := api.admin.Load(ctx, key)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	log.FromContext(ctx).Info(ctx, "extension loaded via admin api", "key", key, "outcome", outcome.String())
	api.writeJSON(ctx, w, http.StatusOK, loadResponse{Key: key, Outcome: outcome.String()})
}

func (api *API) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	resp := catalogResponse{Keys: []string{}}
	if api.catalog != nil {
		if at := api.catalog.LoadedAt(); !at.IsZero() {
			resp.LoadedAt = &at
			resp.Keys = append(resp.Keys, api.catalog.Keys()...)
			sort.Strings(resp.Keys)
		}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := api.admin.SyncListing(ctx, true)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	sort.Strings(keys)
	api.writeJSON(ctx, w, http.StatusOK, catalogResponse{Keys: keys})
}

func (api *API) HandlePlacement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := strings.TrimSpace(r.URL.Query().Get("mode"))
	if raw == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "mode query parameter required"})
		return
	}
	mode, err := host.ParseMode(raw)
	if err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := api.admin.SetPlacement(ctx, mode); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, placementResponse{Mode: mode.String()})
}

// statusFor maps a failure class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, xerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, xerrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, xerrors.ErrAuth), errors.Is(err, xerrors.ErrTransient):
		return http.StatusBadGateway
	case errors.Is(err, xerrors.ErrIntegrity), errors.Is(err, xerrors.ErrFormat),
		errors.Is(err, xerrors.ErrDecode), errors.Is(err, xerrors.ErrLifecycle):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports the failure class and user-facing reason only. Error
// text can carry remote payload fragments and stays in the server log.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	L := log.FromContext(ctx)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		L.Error(ctx, err, "admin request failed", "class", xerrors.Label(err))
	} else {
		L.Warn(ctx, "admin request failed", "class", xerrors.Label(err), "error", err.Error())
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	api.writeJSON(ctx, w, status, errorResponse{Error: xerrors.Reason(err), Class: xerrors.Label(err)})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "admin response encode failed", "error", err.Error())
	}
}
