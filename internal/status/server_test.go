package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"errorbot/internal/host"
)

type fakeSource []host.ModuleStatus

func (f fakeSource) Snapshot() []host.ModuleStatus { return f }

func (f fakeSource) Module(name string) (host.ModuleStatus, bool) {
	for _, m := range f {
		if m.Name == name {
			return m, true
		}
	}
	return host.ModuleStatus{}, false
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	src := fakeSource{
		{Name: "echo", Enabled: true, Running: true, ActionsRan: 4},
		{Name: "heartbeat", Enabled: false},
	}
	connected := true
	s := New("", src, WithForum(func() bool { return connected }))
	h := s.Handler()

	rec := get(t, h, "/healthz")
	var hz health
	if err := json.Unmarshal(rec.Body.Bytes(), &hz); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || hz.Status != "ok" || hz.Modules != 2 || hz.Running != 1 {
		t.Fatalf("healthz = %d %+v", rec.Code, hz)
	}

	rec = get(t, h, "/api/modules")
	var mods []host.ModuleStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &mods); err != nil || len(mods) != 2 {
		t.Fatalf("modules = %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, h, "/api/modules/echo")
	var one host.ModuleStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil || one.ActionsRan != 4 {
		t.Fatalf("module = %s (%v)", rec.Body.String(), err)
	}

	if rec := get(t, h, "/api/modules/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown module code = %d", rec.Code)
	}

	connected = false
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected healthz code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/modules", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST code = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		"0.0.0.0:8089":   false,
		":8089":          false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestPprofRoutes(t *testing.T) {
	t.Parallel()
	if rec := get(t, New("", fakeSource{}).Handler(), "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled code = %d", rec.Code)
	}
	h := New("", fakeSource{}, WithPprof(true)).Handler()
	if rec := get(t, h, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("index code = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/goroutine?debug=1"); rec.Code != http.StatusOK {
		t.Fatalf("goroutine code = %d", rec.Code)
	}
}
