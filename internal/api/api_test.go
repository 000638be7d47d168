package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fabian4/haproxy-console/internal/command"
	"github.com/fabian4/haproxy-console/internal/metrics"
	"github.com/fabian4/haproxy-console/internal/model"
	"github.com/fabian4/haproxy-console/internal/mutator"
	"github.com/fabian4/haproxy-console/internal/ratelimit"
	"github.com/fabian4/haproxy-console/internal/service"
	"github.com/fabian4/haproxy-console/internal/store"
	"github.com/fabian4/haproxy-console/internal/topology"
)

type fakeController struct {
	status model.ServiceStatus
	out    string
	err    error
	ran    []string
}

func (f *fakeController) Status(context.Context) model.ServiceStatus { return f.status }

func (f *fakeController) Do(_ context.Context, action string) (string, error) {
	switch action {
	case command.ActionStart, command.ActionStop, command.ActionRestart, command.ActionTest:
	default:
		return "", errors.Wrapf(command.ErrUnknownAction, "%q", action)
	}
	f.ran = append(f.ran, action)
	return f.out, f.err
}

type noProbe struct{}

func (noProbe) Annotate(_ context.Context, backends []model.Backend) {
	for i := range backends {
		for j := range backends[i].Servers {
			backends[i].Servers[j].Status = model.Unknown
		}
	}
}

type fixture struct {
	t       *testing.T
	dir     string
	confDir string
	ctl     *fakeController
	srv     *Server
	h       http.Handler
}

func newFixture(t *testing.T, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	dir := t.TempDir()
	confDir := filepath.Join(dir, "conf.d")
	require.NoError(t, os.Mkdir(confDir, 0o755))
	mainCfg := filepath.Join(dir, "haproxy.cfg")
	require.NoError(t, os.WriteFile(mainCfg, []byte("global\n    daemon\n"), 0o644))

	logger := zaptest.NewLogger(t)
	fs := store.NewFS()
	reg := metrics.NewRegistry()
	ctl := &fakeController{status: model.StatusRunning}
	fm := mutator.New(fs, filepath.Join(confDir, "00-frontend.cfg"), "", logger, reg)

	srv := &Server{
		Topology: &topology.Builder{
			Store: fs, MainConfig: mainCfg, ConfDir: confDir,
			Status: ctl, Liveness: noProbe{}, Logger: logger, Metrics: reg,
		},
		Controller: ctl,
		Store:      fs,
		ConfDir:    confDir,
		MainConfig: mainCfg,
		Frontend:   fm,
		Wizard:     service.NewWizard(fs, confDir, fm, logger),
		Limiter:    limiter,
		Metrics:    reg,
		Logger:     logger,
	}
	return &fixture{t: t, dir: dir, confDir: confDir, ctl: ctl, srv: srv, h: srv.Handler()}
}

func (f *fixture) do(method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	f.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestStatusAndAction(t *testing.T) {
	f := newFixture(t, nil)

	rec, out := f.do(http.MethodGet, "/api/haproxy_status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", out["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	f.ctl.out = "Command executed successfully."
	rec, out = f.do(http.MethodPost, "/api/haproxy_action", `{"action":"restart"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Command executed successfully.", out["message"])
	assert.Equal(t, []string{"restart"}, f.ctl.ran)

	rec, out = f.do(http.MethodPost, "/api/haproxy_action", `{"action":"reboot"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Invalid action", out["message"])

	f.ctl.err = &command.ExitError{Line: "haproxy -c", Code: 1, Stderr: "[ALERT] parsing error\n"}
	rec, out = f.do(http.MethodPost, "/api/haproxy_action", `{"action":"test"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Command failed: [ALERT] parsing error", out["message"])
}

func TestFragmentLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec, out := f.do(http.MethodPost, "/api/config_d", `{"filename":"20-extra.cfg","content":"backend extra\n"}`)
	require.Equal(t, http.StatusOK, rec.Code, out)
	assert.Equal(t, "File '20-extra.cfg' created successfully.", out["message"])

	rec, _ = f.do(http.MethodPost, "/api/config_d", `{"filename":"20-extra.cfg","content":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(http.MethodPost, "/api/config_d", `{"filename":"20-extra.cfg"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = f.do(http.MethodGet, "/api/config_d", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"20-extra.cfg"}, out["files"])

	rec, out = f.do(http.MethodPut, "/api/config_d/20-extra.cfg", `{"content":"backend extra\n    server s 10.0.0.1:80\n"}`)
	assert.Equal(t, http.StatusOK, rec.Code, out)

	rec, out = f.do(http.MethodGet, "/api/config_d/content/20-extra.cfg", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend extra\n    server s 10.0.0.1:80\n", out["content"])

	rec, _ = f.do(http.MethodPut, "/api/config_d/missing.cfg", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(http.MethodGet, "/api/config_d/content/missing.cfg", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = f.do(http.MethodDelete, "/api/config_d/20-extra.cfg", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "File '20-extra.cfg' deleted successfully.", out["message"])

	rec, _ = f.do(http.MethodDelete, "/api/config_d/20-extra.cfg", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFragmentNamesAreConfined(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"notes.txt", ".hidden.cfg", "a..b.cfg"} {
		rec, _ := f.do(http.MethodPost, "/api/config_d", `{"filename":"`+name+`","content":"x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	rec, _ := f.do(http.MethodPost, "/api/config_d", `{"filename":"../haproxy.cfg","content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(http.MethodGet, "/api/config_d/content/..%2Fhaproxy.cfg", "")
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestWizardThenTopologyThenDelete(t *testing.T) {
	f := newFixture(t, nil)

	rec, out := f.do(http.MethodPost, "/api/config_d/wizard",
		`{"service_name":"foo","service_ip":"10.0.0.5","service_port":"8080","service_url":"foo.example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code, out)
	assert.Equal(t, true, out["success"])
	assert.Contains(t, out["frontend_cfg_content"], "use_backend foo_backend if host_foo")

	rec, out = f.do(http.MethodGet, "/api/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var topo model.Topology
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topo))
	assert.Empty(t, topo.Error)
	assert.Equal(t, model.StatusRunning, topo.Proxy.Status)
	require.Len(t, topo.Backends, 1)
	assert.Equal(t, "foo_backend", topo.Backends[0].Name)
	assert.Equal(t, model.Unknown, topo.Backends[0].Servers[0].Status)
	assert.Len(t, topo.Frontends, 2)

	routing := 0
	for _, e := range topo.Edges {
		if e.Kind == model.EdgeRouting {
			routing++
			assert.Equal(t, "backend_foo_backend", e.Target)
		}
	}
	assert.Equal(t, 1, routing)

	rec, out = f.do(http.MethodGet, "/api/route?host=Foo.Example.com&port=443", "")
	require.Equal(t, http.StatusOK, rec.Code, out)
	assert.Equal(t, "foo_backend", out["backend"])
	assert.Equal(t, "https_frontend", out["frontend"])

	rec, out = f.do(http.MethodGet, "/api/route?host=other.example.com&port=443", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default_backend", out["backend"])
	assert.Equal(t, true, out["default"])

	rec, _ = f.do(http.MethodGet, "/api/route?host=foo.example.com&port=8443", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(http.MethodGet, "/api/route", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// deleting the wizard backend also unroutes it
	rec, out = f.do(http.MethodDelete, "/api/config_d/10-foo_backend.cfg", "")
	require.Equal(t, http.StatusOK, rec.Code, out)
	frontend, err := store.NewFS().ReadText(filepath.Join(f.confDir, "00-frontend.cfg"))
	require.NoError(t, err)
	assert.NotContains(t, frontend, "host_foo")
}

func TestWizardValidation(t *testing.T) {
	f := newFixture(t, nil)
	rec, out := f.do(http.MethodPost, "/api/config_d/wizard", `{"service_name":"foo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])

	rec, _ = f.do(http.MethodPost, "/api/config_d/wizard", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMainConfig(t *testing.T) {
	f := newFixture(t, nil)

	rec, out := f.do(http.MethodGet, "/api/haproxy_cfg", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "global\n    daemon\n", out["content"])

	rec, _ = f.do(http.MethodPut, "/api/haproxy_cfg", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	form := httptest.NewRequest(http.MethodPut, "/api/haproxy_cfg", strings.NewReader(url.Values{"content": {"global\n"}}.Encode()))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	frec := httptest.NewRecorder()
	f.h.ServeHTTP(frec, form)
	assert.Equal(t, http.StatusOK, frec.Code, frec.Body.String())

	got, err := os.ReadFile(filepath.Join(f.dir, "haproxy.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "global\n", string(got))
}

func TestMutationsAreRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewLimiter(0.001, 1))

	rec, _ := f.do(http.MethodPost, "/api/haproxy_action", `{"action":"start"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, out := f.do(http.MethodPost, "/api/haproxy_action", `{"action":"start"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.NotEmpty(t, out["message"])

	// reads are never limited
	for i := 0; i < 5; i++ {
		rec, _ = f.do(http.MethodGet, "/api/haproxy_status", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMetricsAndNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/api/haproxy_status", "")
	f.do(http.MethodGet, "/api/haproxy_status", "")

	rec, out := f.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, out["success"])

	rec, _ = f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `haproxy_console_requests_total{method="GET",route="/api/haproxy_status",status="200"} 2`)

	n, err := testutil.GatherAndCount(f.srv.Metrics.Gatherer(), "haproxy_console_requests_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}
