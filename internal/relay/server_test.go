package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/gti-relay/internal/config"
	"github.com/lvonguyen/gti-relay/internal/ctim"
	"github.com/lvonguyen/gti-relay/internal/enrichment"
	"github.com/lvonguyen/gti-relay/internal/gti"
)

type fakeAuth struct {
	cred *Credential
	err  error
}

func (f *fakeAuth) Authenticate(*http.Request) (*Credential, error) {
	return f.cred, f.err
}

type fakeEvents struct {
	mu     sync.Mutex
	calls  []gti.Observable
	opts   []enrichment.Options
	events map[string][]*gti.Event
	errs   map[string]error
}

func (f *fakeEvents) EventsForObservable(_ context.Context, key string, obs gti.Observable, opts enrichment.Options) ([]*gti.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, obs)
	f.opts = append(f.opts, opts)
	if err := f.errs[obs.Value]; err != nil {
		return nil, err
	}
	return f.events[obs.Value], nil
}

type fakeHealth struct {
	key string
	err error
}

func (f *fakeHealth) HealthCheck(_ context.Context, key string) error {
	f.key = key
	return f.err
}

type testEnv struct {
	auth   *fakeAuth
	events *fakeEvents
	health *fakeHealth
	router http.Handler
}

func newTestEnv(t *testing.T, modify ...func(*Deps)) *testEnv {
	t.Helper()
	relayCfg := config.DefaultConfig().Relay

	env := &testEnv{
		auth:   &fakeAuth{cred: &Credential{Key: "api-key", EntitiesLimit: 50, AllowTestAccounts: true}},
		events: &fakeEvents{events: map[string][]*gti.Event{}, errs: map[string]error{}},
		health: &fakeHealth{},
	}
	var n int
	deps := Deps{
		Auth:   env.auth,
		Events: env.events,
		Health: env.health,
		Mapper: ctim.NewMapper(relayCfg, ctim.WithIDSource(func() string {
			n++
			return fmt.Sprintf("id%d", n)
		})),
		ObservableTypes: relayCfg.ObservableTypes,
		Version:         "1.2.3",
	}
	for _, m := range modify {
		m(&deps)
	}

	srv, err := NewServer(deps)
	require.NoError(t, err)
	env.router = srv.Router()
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers ...string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func flowEvent(t *testing.T, uuid string, detection *gti.Detection) *gti.Event {
	t.Helper()
	var e gti.Event
	require.NoError(t, json.Unmarshal([]byte(`{"uuid": "`+uuid+`", "event_type": "flow",
		"timestamp": "2024-01-01T00:00:00.000Z",
		"src": {"ip": "10.0.0.1", "internal": true}, "dst": {"ip": "1.1.1.1"}}`), &e))
	e.Detection = detection
	return &e
}

func firstError(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	errs, ok := out["errors"].([]any)
	require.True(t, ok, "response has errors: %v", out)
	require.Len(t, errs, 1)
	return errs[0].(map[string]any)
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}

func TestWatchdog(t *testing.T) {
	env := newTestEnv(t)

	out := env.do(t, http.MethodGet, "/watchdog", "", "Health-Check", "1")
	assert.Equal(t, map[string]any{"data": "test"}, out)

	out = env.do(t, http.MethodGet, "/watchdog", "")
	e := firstError(t, out)
	assert.Equal(t, CodeHealthCheckFailed, e["code"])
	assert.Equal(t, "Invalid Health Check.", e["message"])
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, map[string]any{"version": "1.2.3"}, env.do(t, http.MethodGet, "/version", ""))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	out := env.do(t, http.MethodPost, "/health", "")
	assert.Equal(t, map[string]any{"data": map[string]any{"status": "ok"}}, out)
	assert.Equal(t, "api-key", env.health.key)

	env.health.err = &gti.Error{Code: gti.CodeInvalidAuthentication, Message: "Authentication is invalid."}
	e := firstError(t, env.do(t, http.MethodPost, "/health", ""))
	assert.Equal(t, "client : invalid authentication", e["code"])
	assert.Equal(t, "Authentication is invalid.", e["message"])
	assert.Equal(t, "fatal", e["type"])
}

func TestHealth_AuthFailure(t *testing.T) {
	env := newTestEnv(t)
	env.auth.err = authError(reasonNoAuthHeader)

	e := firstError(t, env.do(t, http.MethodPost, "/health", ""))
	assert.Equal(t, CodeAuthorizationFailed, e["code"])
	assert.Equal(t, "Authorization failed: "+reasonNoAuthHeader, e["message"])
}

func TestObserve_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"object instead of array", `{"type": "ip", "value": "1.1.1.1"}`},
		{"missing value", `[{"type": "ip"}]`},
		{"empty type", `[{"type": "", "value": "1.1.1.1"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := env.do(t, http.MethodPost, "/observe/observables", tt.body)
			e := firstError(t, out)
			assert.Equal(t, CodeInvalidPayload, e["code"])
			assert.True(t, strings.HasPrefix(e["message"].(string), "Invalid JSON payload received. "))
			assert.NotContains(t, out, "data")
		})
	}
	assert.Empty(t, env.events.calls)
}

func TestObserve_PayloadCheckedBeforeAuth(t *testing.T) {
	env := newTestEnv(t)
	env.auth.err = authError(reasonNoAuthHeader)

	e := firstError(t, env.do(t, http.MethodPost, "/observe/observables", "{"))
	assert.Equal(t, CodeInvalidPayload, e["code"])
}

func TestObserve_Success(t *testing.T) {
	env := newTestEnv(t)
	detection := &gti.Detection{UUID: "d1", AccountUUID: "acct", Rule: gti.Rule{UUID: "rule-1", Name: "Rule One"}}
	env.events.events["1.1.1.1"] = []*gti.Event{
		flowEvent(t, "ev-1", detection),
		flowEvent(t, "ev-2", nil),
	}

	out := env.do(t, http.MethodPost, "/observe/observables",
		`[{"type": "ip", "value": "1.1.1.1"}, {"type": "email", "value": "a@b.c"}]`)

	assert.NotContains(t, out, "errors")
	data := out["data"].(map[string]any)
	assert.Equal(t, float64(2), data["sightings"].(map[string]any)["count"])
	assert.Equal(t, float64(1), data["indicators"].(map[string]any)["count"])
	assert.Equal(t, float64(1), data["relationships"].(map[string]any)["count"])

	require.Equal(t, []gti.Observable{{Type: "ip", Value: "1.1.1.1"}}, env.events.calls, "unsupported types are skipped")
	assert.Equal(t, enrichment.Options{EntitiesLimit: 50, AllowTestAccounts: true}, env.events.opts[0])
}

func TestObserve_NothingFound(t *testing.T) {
	env := newTestEnv(t)

	out := env.do(t, http.MethodPost, "/observe/observables", `[{"type": "domain", "value": "quiet.example"}]`)
	assert.Equal(t, map[string]any{"data": map[string]any{}}, out)
}

func TestObserve_PartialResults(t *testing.T) {
	env := newTestEnv(t)
	env.events.events["1.1.1.1"] = []*gti.Event{flowEvent(t, "ev-1", nil)}
	env.events.errs["2.2.2.2"] = &gti.Error{Code: "server.internal_error", Message: "Boom."}

	out := env.do(t, http.MethodPost, "/observe/observables",
		`[{"type": "ip", "value": "1.1.1.1"}, {"type": "ip", "value": "2.2.2.2"}, {"type": "ip", "value": "3.3.3.3"}]`)

	e := firstError(t, out)
	assert.Equal(t, "server : internal error", e["code"])
	assert.Equal(t, "Boom.", e["message"])

	data := out["data"].(map[string]any)
	assert.Equal(t, float64(1), data["sightings"].(map[string]any)["count"])
	assert.Len(t, env.events.calls, 2, "processing stops at the first failure")
}

func TestObserve_FailureWithoutData(t *testing.T) {
	env := newTestEnv(t)
	env.events.errs["1.1.1.1"] = errors.New("unexpected")

	out := env.do(t, http.MethodPost, "/observe/observables", `[{"type": "ip", "value": "1.1.1.1"}]`)
	e := firstError(t, out)
	assert.Equal(t, CodeInternal, e["code"])
	assert.NotContains(t, out, "data")
}

func TestRefer(t *testing.T) {
	env := newTestEnv(t)
	env.auth.err = errors.New("refer does not authenticate")

	out := env.do(t, http.MethodPost, "/refer/observables",
		`[{"type": "sha256", "value": "abc"}, {"type": "email", "value": "a@b.c"}]`)
	refs := out["data"].([]any)
	require.Len(t, refs, 1)
	assert.Equal(t, "ref-gti-search-sha256-abc", refs[0].(map[string]any)["id"])

	out = env.do(t, http.MethodPost, "/refer/observables", `[{"type": "email", "value": "a@b.c"}]`)
	assert.Equal(t, map[string]any{"data": []any{}}, out)
}

func TestDeliberate(t *testing.T) {
	env := newTestEnv(t)
	out := env.do(t, http.MethodPost, "/deliberate/observables", `[{"type": "ip", "value": "1.1.1.1"}]`)
	assert.Equal(t, map[string]any{"data": map[string]any{}}, out)
}

func TestRouter_OptionalMiddleware(t *testing.T) {
	var limited int
	env := newTestEnv(t, func(d *Deps) {
		d.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"metrics": true}`))
		})
		d.RateLimit = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				limited++
				next.ServeHTTP(w, r)
			})
		}
	})

	assert.Equal(t, map[string]any{"metrics": true}, env.do(t, http.MethodGet, "/metrics", ""))
	env.do(t, http.MethodGet, "/watchdog", "", "Health-Check", "1")
	assert.Zero(t, limited, "unauthenticated routes are not rate limited")

	env.do(t, http.MethodPost, "/health", "")
	assert.Equal(t, 1, limited)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "client : invalid authentication", NormalizeCode("client.invalid_authentication"))
	assert.Equal(t, "connection error", NormalizeCode("connection error"))
}
