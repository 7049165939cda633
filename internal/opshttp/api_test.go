package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/lifecycle"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

type fakeAdmin struct {
	mu        sync.Mutex
	modules   []lifecycle.Summary
	loaded    []string
	unloaded  []string
	loadErr   error
	outcome   lifecycle.Outcome
	syncKeys  []string
	syncErr   error
	syncForce bool
	placement host.Mode
}

func (f *fakeAdmin) Modules() []lifecycle.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modules
}

func (f *fakeAdmin) Load(_ context.Context, key string) (lifecycle.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return lifecycle.Loaded, f.loadErr
	}
	f.loaded = append(f.loaded, key)
	return f.outcome, nil
}

func (f *fakeAdmin) Unload(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.modules {
		if m.Name == name {
			f.modules = append(f.modules[:i], f.modules[i+1:]...)
			f.unloaded = append(f.unloaded, name)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAdmin) SyncListing(_ context.Context, force bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncForce = force
	return f.syncKeys, f.syncErr
}

func (f *fakeAdmin) SetPlacement(_ context.Context, mode host.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placement = mode
	return nil
}

type fakeCatalog struct {
	at   time.Time
	keys []string
}

func (c fakeCatalog) LoadedAt() time.Time { return c.at }
func (c fakeCatalog) Keys() []string      { return c.keys }

func newAPIHandler(admin *fakeAdmin, cat fakeCatalog) http.Handler {
	return NewHandler(&Options{Admin: admin, Catalog: cat})
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAPI_Modules(t *testing.T) {
	admin := &fakeAdmin{modules: []lifecycle.Summary{
		{Name: "tools", State: "active", Hash: "abc", Points: []string{"ADDON_PT_tools"}},
	}}
	rec := do(t, newAPIHandler(admin, fakeCatalog{}), http.MethodGet, "/api/modules")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
	got := decode[modulesResponse](t, rec)
	if len(got.Modules) != 1 || got.Modules[0].Name != "tools" || got.Modules[0].Points[0] != "ADDON_PT_tools" {
		t.Fatalf("modules = %+v", got.Modules)
	}
}

func TestAPI_ModulesEmptyIsArray(t *testing.T) {
	rec := do(t, newAPIHandler(&fakeAdmin{}, fakeCatalog{}), http.MethodGet, "/api/modules")
	if rec.Body.String() != "{\"modules\":[]}\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestAPI_Unload(t *testing.T) {
	admin := &fakeAdmin{modules: []lifecycle.Summary{{Name: "tools"}}}
	h := newAPIHandler(admin, fakeCatalog{})

	rec := do(t, h, http.MethodPost, "/api/modules/tools/unload")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := decode[unloadResponse](t, rec); got.Name != "tools" || !got.Unloaded {
		t.Fatalf("response = %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/api/modules/tools/unload")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second unload status = %d, want 404", rec.Code)
	}
}

func TestAPI_UnloadRequiresPost(t *testing.T) {
	rec := do(t, newAPIHandler(&fakeAdmin{}, fakeCatalog{}), http.MethodGet, "/api/modules/tools/unload")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestAPI_Load(t *testing.T) {
	admin := &fakeAdmin{outcome: lifecycle.Replaced}
	rec := do(t, newAPIHandler(admin, fakeCatalog{}), http.MethodPost, "/api/extensions/load?path=ADDONS/tools.js")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	got := decode[loadResponse](t, rec)
	if got.Key != "ADDONS/tools.js" || got.Outcome != "replaced" {
		t.Fatalf("response = %+v", got)
	}
	if len(admin.loaded) != 1 || admin.loaded[0] != "ADDONS/tools.js" {
		t.Fatalf("loaded = %v", admin.loaded)
	}
}

func TestAPI_LoadMissingPath(t *testing.T) {
	admin := &fakeAdmin{}
	rec := do(t, newAPIHandler(admin, fakeCatalog{}), http.MethodPost, "/api/extensions/load")
	if rec.Code != http.StatusBadRequest || len(admin.loaded) != 0 {
		t.Fatalf("status = %d loaded = %v", rec.Code, admin.loaded)
	}
}

func TestAPI_LoadErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		class  string
	}{
		{"integrity", xerrors.Markf(xerrors.ErrIntegrity, "mac mismatch for secret-ish payload"), http.StatusUnprocessableEntity, "integrity"},
		{"rate limited", xerrors.Markf(xerrors.ErrRateLimited, "window full"), http.StatusTooManyRequests, "rate_limited"},
		{"timeout", xerrors.Markf(xerrors.ErrTimeout, "fetch"), http.StatusGatewayTimeout, "timeout"},
		{"transient", xerrors.Markf(xerrors.ErrTransient, "dial"), http.StatusBadGateway, "transient"},
		{"auth", xerrors.Markf(xerrors.ErrAuth, "401"), http.StatusBadGateway, "auth"},
		{"lifecycle", xerrors.Markf(xerrors.ErrLifecycle, "no register"), http.StatusUnprocessableEntity, "lifecycle"},
		{"other", xerrors.New("boom"), http.StatusInternalServerError, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newAPIHandler(&fakeAdmin{loadErr: tt.err}, fakeCatalog{}), http.MethodPost, "/api/extensions/load?path=ADDONS/a.js")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			got := decode[errorResponse](t, rec)
			if got.Class != tt.class || got.Error != xerrors.Reason(tt.err) {
				t.Fatalf("response = %+v", got)
			}
		})
	}
}

func TestAPI_Catalog(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	h := newAPIHandler(&fakeAdmin{}, fakeCatalog{at: at, keys: []string{"ADDONS/b.js", "ADDONS/a.js"}})

	rec := do(t, h, http.MethodGet, "/api/catalog")
	got := decode[catalogResponse](t, rec)
	if got.LoadedAt == nil || !got.LoadedAt.Equal(at) {
		t.Fatalf("loaded_at = %v", got.LoadedAt)
	}
	if len(got.Keys) != 2 || got.Keys[0] != "ADDONS/a.js" {
		t.Fatalf("keys = %v, want sorted", got.Keys)
	}
	if rec.Header().Get("X-Addon-Catalog-Size") != "2" {
		t.Fatalf("catalog header = %q", rec.Header().Get("X-Addon-Catalog-Size"))
	}
}

func TestAPI_CatalogNotLoaded(t *testing.T) {
	rec := do(t, newAPIHandler(&fakeAdmin{}, fakeCatalog{}), http.MethodGet, "/api/catalog")
	if rec.Body.String() != "{\"keys\":[]}\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestAPI_SyncForcesRefresh(t *testing.T) {
	admin := &fakeAdmin{syncKeys: []string{"ADDONS/z.js", "ADDONS/a.js"}}
	rec := do(t, newAPIHandler(admin, fakeCatalog{}), http.MethodPost, "/api/catalog/sync")

	if rec.Code != http.StatusOK || !admin.syncForce {
		t.Fatalf("status = %d force = %v", rec.Code, admin.syncForce)
	}
	if got := decode[catalogResponse](t, rec); len(got.Keys) != 2 || got.Keys[0] != "ADDONS/a.js" {
		t.Fatalf("keys = %v", got.Keys)
	}
}

func TestAPI_SyncRateLimited(t *testing.T) {
	admin := &fakeAdmin{syncErr: xerrors.Markf(xerrors.ErrRateLimited, "budget")}
	rec := do(t, newAPIHandler(admin, fakeCatalog{}), http.MethodPost, "/api/catalog/sync")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status = %d retry-after = %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestAPI_Placement(t *testing.T) {
	admin := &fakeAdmin{}
	h := newAPIHandler(admin, fakeCatalog{})

	rec := do(t, h, http.MethodPut, "/api/placement?mode=standalone")
	if rec.Code != http.StatusOK || admin.placement != host.Standalone {
		t.Fatalf("status = %d placement = %v", rec.Code, admin.placement)
	}
	for _, target := range []string{"/api/placement", "/api/placement?mode=sideways"} {
		if rec := do(t, h, http.MethodPut, target); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", target, rec.Code)
		}
	}
}
