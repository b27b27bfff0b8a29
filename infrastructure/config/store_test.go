package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/secrets"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	logger := logging.New("config-test", logging.Config{Level: "error", Output: io.Discard})
	return NewStore(logger, opts...)
}

func TestComposePrecedence(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("base", 0, map[string]string{
		"Shell:Http:Port": "8080",
		"Shell:Env":       "base",
	}))
	store.AddSource(NewMemorySource("override", 10, map[string]string{
		"Shell:Env": "production",
	}))
	require.NoError(t, store.Load())

	port, ok := store.Get("Shell:Http:Port")
	require.True(t, ok)
	assert.Equal(t, "8080", port)

	env, _ := store.Get("Shell:Env")
	assert.Equal(t, "production", env)

	source, _ := store.SourceOf("Shell:Env")
	assert.Equal(t, "override", source)
}

func TestComposeTieBrokenByInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("first", 5, map[string]string{"Key": "a"}))
	store.AddSource(NewMemorySource("second", 5, map[string]string{"Key": "b"}))
	require.NoError(t, store.Load())

	value, _ := store.Get("Key")
	assert.Equal(t, "b", value, "later-inserted source wins a priority tie")
}

func TestKeysCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("base", 0, map[string]string{"Shell:Auth:Secret": "v"}))
	require.NoError(t, store.Load())

	for _, key := range []string{"shell:auth:secret", "SHELL:AUTH:SECRET", "Shell:Auth:Secret"} {
		value, ok := store.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, "v", value)
	}
}

func TestEnvSourceSeparatorTranslation(t *testing.T) {
	t.Setenv("SHELLTEST_Modules__Alpha__Greeting", "hi")

	store := newTestStore(t)
	store.AddSource(NewEnvSource("env", "SHELLTEST_", 40))
	require.NoError(t, store.Load())

	value, ok := store.Get("Modules:Alpha:Greeting")
	require.True(t, ok)
	assert.Equal(t, "hi", value)
}

func TestArgsSource(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewArgsSource("args", []string{
		"--Shell:Http:Port=9090",
		"ignored",
		"--flag",
	}, 50))
	require.NoError(t, store.Load())

	value, ok := store.Get("Shell:Http:Port")
	require.True(t, ok)
	assert.Equal(t, "9090", value)

	_, ok = store.Get("flag")
	assert.False(t, ok)
}

func TestJSONFileSourceFlattening(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appsettings.json")
	doc := `{
		"Shell": {"Http": {"Port": 8080}, "Features": ["alpha", "beta"]},
		"Flag": true
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	store := newTestStore(t)
	store.AddSource(NewJSONFileSource("base", path, 0, false))
	require.NoError(t, store.Load())

	port, _ := store.Get("Shell:Http:Port")
	assert.Equal(t, "8080", port)
	first, _ := store.Get("Shell:Features:0")
	assert.Equal(t, "alpha", first)
	flag := store.GetBool("Flag", false)
	assert.True(t, flag)
}

func TestRequiredSourceFailureIsConfigError(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewJSONFileSource("base", filepath.Join(t.TempDir(), "missing.json"), 0, false))

	err := store.Load()
	require.Error(t, err)
	var cfgErr *hosterrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "base", cfgErr.Source)
	assert.True(t, errors.Is(err, hosterrors.ErrSourceUnavailable))
}

func TestOptionalSourceFailureTolerated(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewJSONFileSource("local", filepath.Join(t.TempDir(), "missing.json"), 0, true))
	store.AddSource(NewMemorySource("mem", 10, map[string]string{"K": "v"}))
	require.NoError(t, store.Load())

	value, ok := store.Get("K")
	require.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestTypedAccessorsReturnDefaultsOnParseFailure(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("mem", 0, map[string]string{
		"BadInt":   "not-a-number",
		"BadBool":  "maybe",
		"GoodInt":  "42",
		"Duration": "30s",
		"Seconds":  "15",
		"List":     "a, b,,c",
	}))
	require.NoError(t, store.Load())

	assert.Equal(t, 7, store.GetInt("BadInt", 7))
	assert.Equal(t, 42, store.GetInt("GoodInt", 7))
	assert.True(t, store.GetBool("BadBool", true))
	assert.Equal(t, 30*time.Second, store.GetDuration("Duration", time.Minute))
	assert.Equal(t, 15*time.Second, store.GetDuration("Seconds", time.Minute))
	assert.Equal(t, time.Minute, store.GetDuration("Absent", time.Minute))
	assert.Equal(t, []string{"a", "b", "c"}, store.GetStringSlice("List", nil))
}

func TestGetEnum(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("mem", 0, map[string]string{
		"Backend": "REDIS",
		"Wrong":   "cassandra",
	}))
	require.NoError(t, store.Load())

	assert.Equal(t, "redis", store.GetEnum("Backend", []string{"memory", "redis"}, "memory"))
	assert.Equal(t, "memory", store.GetEnum("Wrong", []string{"memory", "redis"}, "memory"))
	assert.Equal(t, "memory", store.GetEnum("Absent", []string{"memory", "redis"}, "memory"))
}

func TestSecretResolutionOnRead(t *testing.T) {
	t.Setenv("SHELLTEST_JWT_KEY", "xyz")

	resolver := secrets.NewResolver(logging.New("s", logging.Config{Level: "error", Output: io.Discard}))
	store := newTestStore(t, WithResolver(resolver))
	store.AddSource(NewMemorySource("mem", 0, map[string]string{
		"Shell:Auth:Secret": "@Env:SHELLTEST_JWT_KEY",
	}))
	require.NoError(t, store.Load())

	value, ok := store.Get("Shell:Auth:Secret")
	require.True(t, ok)
	assert.Equal(t, "xyz", value)
	assert.True(t, store.Sensitive("Shell:Auth:Secret"))

	// Provider miss leaves the literal placeholder.
	os.Unsetenv("SHELLTEST_JWT_KEY")
	value, _ = store.Get("Shell:Auth:Secret")
	assert.Equal(t, "@Env:SHELLTEST_JWT_KEY", value)
}

func TestGetAllPrefix(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("mem", 0, map[string]string{
		"Modules:A:Greeting": "hi",
		"Modules:A:Retries":  "3",
		"Modules:B:Greeting": "yo",
	}))
	require.NoError(t, store.Load())

	all := store.GetAll("Modules:A")
	assert.Len(t, all, 2)
	assert.Equal(t, "hi", all["Modules:A:Greeting"])
}

func TestSubscribeReceivesSingleEventPerRealChange(t *testing.T) {
	mem := NewMemorySource("mem", 0, map[string]string{"Modules:A:Greeting": "hi"})
	store := newTestStore(t)
	store.AddSource(mem)
	require.NoError(t, store.Load())

	var events []ChangeEvent
	sub := store.Subscribe("Modules:A:*", func(ev ChangeEvent) {
		events = append(events, ev)
	})
	defer sub.Close()

	mem.Set("Modules:A:Greeting", "hello")
	require.NoError(t, store.Reload())

	require.Len(t, events, 1)
	assert.Equal(t, "Modules:A:Greeting", events[0].Key)
	assert.Equal(t, "hi", events[0].Old)
	assert.Equal(t, "hello", events[0].New)
	assert.Equal(t, ChangeUpdated, events[0].Type)
	assert.Equal(t, "mem", events[0].Source)

	// Re-writing the same value must not emit.
	mem.Set("Modules:A:Greeting", "hello")
	require.NoError(t, store.Reload())
	assert.Len(t, events, 1)
}

func TestSubscribeAddedAndRemoved(t *testing.T) {
	mem := NewMemorySource("mem", 0, map[string]string{})
	store := newTestStore(t)
	store.AddSource(mem)
	require.NoError(t, store.Load())

	var events []ChangeEvent
	store.Subscribe("Feature:*", func(ev ChangeEvent) { events = append(events, ev) })

	mem.Set("Feature:X", "on")
	require.NoError(t, store.Reload())
	require.Len(t, events, 1)
	assert.Equal(t, ChangeAdded, events[0].Type)

	mem.Delete("Feature:X")
	require.NoError(t, store.Reload())
	require.Len(t, events, 2)
	assert.Equal(t, ChangeRemoved, events[1].Type)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	mem := NewMemorySource("mem", 0, map[string]string{"K": "1"})
	store := newTestStore(t)
	store.AddSource(mem)
	require.NoError(t, store.Load())

	count := 0
	sub := store.Subscribe("K", func(ChangeEvent) { count++ })
	sub.Close()

	mem.Set("K", "2")
	require.NoError(t, store.Reload())
	assert.Zero(t, count)
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"modules:a:*", "modules:a:greeting", true},
		{"modules:a:*", "modules:a:x:y", true},
		{"modules:a:*", "modules:b:greeting", false},
		{"modules:?:greeting", "modules:a:greeting", true},
		{"modules:?:greeting", "modules:ab:greeting", false},
		{"modules:a:greet*", "modules:a:greeting", true},
		{"modules:a:greeting", "modules:a:greeting", true},
		{"modules:a", "modules:a:greeting", false},
		{"*", "anything", true},
		{"*", "a:b", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

type httpSchema struct {
	Port    int
	Host    string
	Timeout time.Duration
}

func (h *httpSchema) Load(section *Section) error {
	h.Port = section.GetInt("Port", 8080)
	h.Host = section.GetString("Host", "0.0.0.0")
	h.Timeout = section.GetDuration("Timeout", 30*time.Second)
	return nil
}

func (h *httpSchema) Rules() []Rule {
	return []Rule{
		Required("Port"),
		IntRange("Port", 1, 65535),
		Duration("Timeout"),
	}
}

func TestBindSchema(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("mem", 0, map[string]string{
		"Shell:Http:Port":    "9000",
		"Shell:Http:Timeout": "10s",
	}))
	require.NoError(t, store.Load())

	var schema httpSchema
	require.NoError(t, store.Bind("Shell:Http", &schema))
	assert.Equal(t, 9000, schema.Port)
	assert.Equal(t, "0.0.0.0", schema.Host)
	assert.Equal(t, 10*time.Second, schema.Timeout)
}

func TestValidateRules(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("mem", 0, map[string]string{
		"Shell:Http:Port":    "99999",
		"Shell:Http:Timeout": "bogus",
	}))
	require.NoError(t, store.Load())

	result := store.Validate("Shell:Http", &httpSchema{})
	assert.False(t, result.Valid())
	assert.Len(t, result.Errors, 2)
	assert.Error(t, result.Err())
	assert.True(t, errors.Is(result.Err(), hosterrors.ErrValidationFailed))
}

func TestValidatePasses(t *testing.T) {
	store := newTestStore(t)
	store.AddSource(NewMemorySource("mem", 0, map[string]string{
		"Shell:Http:Port": "8080",
	}))
	require.NoError(t, store.Load())

	result := store.Validate("Shell:Http", &httpSchema{})
	assert.True(t, result.Valid())
	assert.NoError(t, result.Err())
}
