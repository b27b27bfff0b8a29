package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellhost/shellhost/infrastructure/lifecycle"
	"github.com/shellhost/shellhost/infrastructure/loader"
	"github.com/shellhost/shellhost/infrastructure/registry"
	"github.com/shellhost/shellhost/sdk/module"
)

// greeterModule contributes one anonymous route and one guarded route.
type greeterModule struct {
	*module.Base
}

func newGreeterModule(deps ...module.Dependency) *greeterModule {
	return &greeterModule{
		Base: module.NewBase(module.Identity{Name: "greeter", Version: "1.0.0"}).
			WithDependencies(deps...),
	}
}

func (m *greeterModule) OnConfigure(builder module.PipelineBuilder) error {
	builder.Route(module.Route{
		Method:    http.MethodGet,
		Path:      "/hello",
		Anonymous: true,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hello"))
		}),
	})
	builder.Route(module.Route{
		Method: http.MethodGet,
		Path:   "/private",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("secret"))
		}),
	})
	return nil
}

// storageModule is a plain dependency target.
type storageModule struct {
	*module.Base
}

func newStorageModule() *storageModule {
	return &storageModule{
		Base: module.NewBase(module.Identity{Name: "storage", Version: "1.0.0"}),
	}
}

func (m *storageModule) OnInitialize(scope *registry.Scope) error {
	return scope.RegisterValue("svc.storage", m)
}

func writeHostFixture(t *testing.T, shellConfig map[string]interface{}, manifests map[string]string) (configDir, modulesDir string) {
	t.Helper()
	configDir = t.TempDir()
	modulesDir = filepath.Join(configDir, "modules")
	require.NoError(t, os.MkdirAll(modulesDir, 0o755))

	shellConfig["Loader"] = map[string]interface{}{"Directories": modulesDir}
	doc, err := json.Marshal(map[string]interface{}{"Shell": shellConfig})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "appsettings.json"), doc, 0o600))

	for name, body := range manifests {
		require.NoError(t, os.WriteFile(
			filepath.Join(modulesDir, name+loader.ManifestSuffix), []byte(body), 0o600))
	}
	return configDir, modulesDir
}

func bootstrapHost(t *testing.T, shellConfig map[string]interface{}, manifests map[string]string, factories map[string]loader.Factory) *Runtime {
	t.Helper()
	configDir, _ := writeHostFixture(t, shellConfig, manifests)

	composer := New(Options{
		Version:     "1.0.0",
		Environment: "testing",
		ConfigDir:   configDir,
		Factories:   factories,
	})
	rt, code, err := composer.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitOK, code)
	t.Cleanup(func() { rt.Shutdown(context.Background()) })
	return rt
}

func standardFactories() map[string]loader.Factory {
	return map[string]loader.Factory{
		"greeter": func() module.Module {
			return newGreeterModule(module.Dependency{Name: "storage", MinVersion: "1.0.0"})
		},
		"storage": func() module.Module { return newStorageModule() },
	}
}

func standardManifests() map[string]string {
	return map[string]string{
		"storage": "name: storage\nversion: 1.0.0",
		"greeter": `
name: greeter
version: 1.0.0
dependencies:
  - name: storage
    minVersion: 1.0.0
`,
	}
}

func TestHostHappyPathServesModulesAndHealth(t *testing.T) {
	rt := bootstrapHost(t, map[string]interface{}{}, standardManifests(), standardFactories())

	// Both modules started.
	storage, _ := rt.Engine.Record("storage")
	greeter, _ := rt.Engine.Record("greeter")
	assert.Equal(t, lifecycle.StateStarted, storage.State)
	assert.Equal(t, lifecycle.StateStarted, greeter.State)

	server := httptest.NewServer(rt.Router)
	defer server.Close()

	// Module route under the common prefix.
	resp, err := http.Get(server.URL + "/modules/greeter/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Readiness reports both entries healthy.
	resp, err = http.Get(server.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, module.Healthy, health.Status)
	assert.Len(t, health.Entries, 3)
	assert.Equal(t, module.Healthy, health.Entries["greeter"].Status)
	assert.Equal(t, module.Healthy, health.Entries["storage"].Status)

	// The built-in system probe contributes host CPU/memory data.
	system, ok := health.Entries["system"]
	require.True(t, ok, "missing system entry")
	assert.Contains(t, system.Data, "memory_used_percent")

	// Liveness and startup are green.
	for _, path := range []string{"/health/live", "/health/startup", "/health"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	// Admin info lists the modules.
	resp, err = http.Get(server.URL + "/admin/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHostShutdownOrder(t *testing.T) {
	rt := bootstrapHost(t, map[string]interface{}{}, standardManifests(), standardFactories())

	rt.Shutdown(context.Background())

	storage, _ := rt.Engine.Record("storage")
	greeter, _ := rt.Engine.Record("greeter")
	assert.Equal(t, lifecycle.StateUnloaded, storage.State)
	assert.Equal(t, lifecycle.StateUnloaded, greeter.State)
}

func TestHostMissingDependencyExitsWithModuleCode(t *testing.T) {
	configDir, _ := writeHostFixture(t, map[string]interface{}{}, map[string]string{
		"greeter": `
name: greeter
version: 1.0.0
dependencies:
  - name: storage
    minVersion: 1.0.0
`,
	})

	composer := New(Options{
		Version:     "1.0.0",
		Environment: "testing",
		ConfigDir:   configDir,
		Factories:   standardFactories(),
	})
	_, code, err := composer.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitModules, code)
}

func TestHostInvalidConfigExitsWithConfigCode(t *testing.T) {
	configDir, _ := writeHostFixture(t, map[string]interface{}{
		"Http": map[string]interface{}{"Port": 99999},
	}, nil)

	composer := New(Options{
		Version:     "1.0.0",
		Environment: "testing",
		ConfigDir:   configDir,
		Factories:   nil,
	})
	_, code, err := composer.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitConfig, code)
}

func TestHostMissingBaseConfigExitsWithConfigCode(t *testing.T) {
	composer := New(Options{
		Version:     "1.0.0",
		Environment: "testing",
		ConfigDir:   t.TempDir(),
	})
	_, code, err := composer.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitConfig, code)
}

func TestHostAuthGuardsModuleRoutes(t *testing.T) {
	t.Setenv("SHELLHOST_TEST_JWT_KEY", "host-test-secret")

	rt := bootstrapHost(t, map[string]interface{}{
		"Auth": map[string]interface{}{
			"Enabled": true,
			"Secret":  "@Env:SHELLHOST_TEST_JWT_KEY",
		},
	}, standardManifests(), standardFactories())

	// The schema's secret was resolved through the Env provider.
	assert.Equal(t, "host-test-secret", rt.Schema.Auth.Secret)

	server := httptest.NewServer(rt.Router)
	defer server.Close()

	// Anonymous route passes without a credential.
	resp, err := http.Get(server.URL + "/modules/greeter/hello")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Guarded route refuses without a credential.
	resp, err = http.Get(server.URL + "/modules/greeter/private")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// And passes with one.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("host-test-secret"))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/modules/greeter/private", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays reachable without credentials.
	resp, err = http.Get(server.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHostSecretPlaceholderLeftWhenUnset(t *testing.T) {
	os.Unsetenv("SHELLHOST_TEST_ABSENT_KEY")

	rt := bootstrapHost(t, map[string]interface{}{
		"Greeting": "@Env:SHELLHOST_TEST_ABSENT_KEY",
	}, standardManifests(), standardFactories())

	value, ok := rt.Store.Get("Shell:Greeting")
	require.True(t, ok)
	assert.Equal(t, "@Env:SHELLHOST_TEST_ABSENT_KEY", value)
	assert.True(t, rt.Store.Sensitive("Shell:Greeting"))
}

func TestHostEnvOverridesBaseConfig(t *testing.T) {
	t.Setenv("SHELLHOST_Shell__Http__Port", "9191")

	rt := bootstrapHost(t, map[string]interface{}{
		"Http": map[string]interface{}{"Port": 8080},
	}, standardManifests(), standardFactories())

	assert.Equal(t, 9191, rt.Schema.HTTP.Port)
}

func TestHealthDegradedPolicy(t *testing.T) {
	degraded := &degradedModule{Base: module.NewBase(module.Identity{Name: "wobbly", Version: "1.0.0"})}
	factories := map[string]loader.Factory{
		"wobbly": func() module.Module { return degraded },
	}
	manifests := map[string]string{"wobbly": "name: wobbly\nversion: 1.0.0"}

	// Default: Degraded still passes readiness.
	rt := bootstrapHost(t, map[string]interface{}{}, manifests, factories)
	response := rt.Health.Check(context.Background())
	assert.Equal(t, module.Degraded, response.Status)
	assert.True(t, rt.Health.Ready(response))

	// Flipped: Degraded blocks readiness.
	rt2 := bootstrapHost(t, map[string]interface{}{
		"Health": map[string]interface{}{"DegradedBlocksReady": true},
	}, manifests, map[string]loader.Factory{
		"wobbly": func() module.Module {
			return &degradedModule{Base: module.NewBase(module.Identity{Name: "wobbly", Version: "1.0.0"})}
		},
	})
	response2 := rt2.Health.Check(context.Background())
	assert.False(t, rt2.Health.Ready(response2))
}

type degradedModule struct {
	*module.Base
}

func (m *degradedModule) CheckHealth(context.Context) module.HealthResult {
	return module.DegradedResult("cache backend unreachable")
}

func TestAdminReloadEndpoint(t *testing.T) {
	rt := bootstrapHost(t, map[string]interface{}{}, standardManifests(), standardFactories())

	server := httptest.NewServer(rt.Router)
	defer server.Close()

	// Leaf module reloads cleanly.
	resp, err := http.Post(server.URL+"/admin/modules/greeter/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reloading a module with running dependents is refused without
	// cascading reload.
	resp, err = http.Post(server.URL+"/admin/modules/storage/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown modules 404.
	resp, err = http.Post(server.URL+"/admin/modules/ghost/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestScopeAvailableInHandlers(t *testing.T) {
	var sawScope bool
	factories := map[string]loader.Factory{
		"scoped": func() module.Module {
			return &scopedModule{
				Base:  module.NewBase(module.Identity{Name: "scoped", Version: "1.0.0"}),
				probe: func(ok bool) { sawScope = ok },
			}
		},
	}
	rt := bootstrapHost(t, map[string]interface{}{},
		map[string]string{"scoped": "name: scoped\nversion: 1.0.0"}, factories)

	server := httptest.NewServer(rt.Router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/modules/scoped/check")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sawScope, "handler did not observe a request scope")
}

type scopedModule struct {
	*module.Base
	probe func(bool)
}

func (m *scopedModule) OnConfigure(builder module.PipelineBuilder) error {
	builder.Route(module.Route{
		Method:    http.MethodGet,
		Path:      "/check",
		Anonymous: true,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, ok := registry.ScopeFrom(r.Context())
			m.probe(ok)
			fmt.Fprint(w, "ok")
		}),
	})
	return nil
}
