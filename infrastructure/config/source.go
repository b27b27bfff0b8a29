// Package config composes layered configuration sources with secret
// resolution, typed reads, schema validation, and change notification.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
)

// KeySeparator joins hierarchical key segments.
const KeySeparator = ":"

// envSeparator is accepted in environment variable names in place of ':'.
const envSeparator = "__"

// Source supplies one layer of configuration entries.
//
// Priority orders sources: a key defined by a higher-priority source wins.
// Ties are resolved by registration order.
type Source interface {
	// Name identifies the source in change events and errors.
	Name() string

	// Priority returns the precedence weight; higher wins.
	Priority() int

	// Load reads the full key/value map. Keys use colon separators.
	Load() (map[string]string, error)
}

// OptionalSource marks a source whose load failure is tolerated.
type OptionalSource interface {
	Optional() bool
}

// WatchableSource pushes a signal on the returned channel whenever its
// backing data may have changed. The store reacts by reloading.
type WatchableSource interface {
	Watch() (<-chan struct{}, error)
	CloseWatch() error
}

// NormalizeKey canonicalizes a key for case-insensitive comparison.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// =============================================================================
// JSON file source
// =============================================================================

// JSONFileSource reads a JSON document and flattens nested objects and
// arrays into colon-delimited keys ("Shell:Http:Port", "Hosts:0:Name").
type JSONFileSource struct {
	name     string
	path     string
	priority int
	optional bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	events  chan struct{}
	done    chan struct{}
}

// NewJSONFileSource creates a JSON file source. Optional sources report an
// empty map when the file is absent.
func NewJSONFileSource(name, path string, priority int, optional bool) *JSONFileSource {
	return &JSONFileSource{name: name, path: path, priority: priority, optional: optional}
}

// Name returns the source name.
func (s *JSONFileSource) Name() string { return s.name }

// Priority returns the source precedence.
func (s *JSONFileSource) Priority() int { return s.priority }

// Optional reports whether a missing or unreadable file is tolerated.
func (s *JSONFileSource) Optional() bool { return s.optional }

// Path returns the backing file path.
func (s *JSONFileSource) Path() string { return s.path }

// Load reads and flattens the JSON document.
func (s *JSONFileSource) Load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.optional && os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON in %s", s.path)
	}

	values := make(map[string]string)
	flattenJSON("", gjson.ParseBytes(data), values)
	return values, nil
}

func flattenJSON(prefix string, value gjson.Result, out map[string]string) {
	switch {
	case value.IsObject():
		value.ForEach(func(key, child gjson.Result) bool {
			childKey := key.String()
			if prefix != "" {
				childKey = prefix + KeySeparator + childKey
			}
			flattenJSON(childKey, child, out)
			return true
		})
	case value.IsArray():
		index := 0
		value.ForEach(func(_, child gjson.Result) bool {
			childKey := fmt.Sprintf("%d", index)
			if prefix != "" {
				childKey = prefix + KeySeparator + childKey
			}
			flattenJSON(childKey, child, out)
			index++
			return true
		})
	default:
		if prefix != "" {
			out[prefix] = value.String()
		}
	}
}

// Watch starts an fsnotify watcher on the backing file's directory and
// signals on any event touching the file.
func (s *JSONFileSource) Watch() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events != nil {
		return s.events, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files, which would drop a
	// watch registered on the file itself.
	dir := "."
	if idx := strings.LastIndexByte(s.path, '/'); idx >= 0 {
		dir = s.path[:idx]
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		if s.optional {
			ch := make(chan struct{})
			s.events = ch
			return ch, nil
		}
		return nil, err
	}

	events := make(chan struct{}, 1)
	done := make(chan struct{})
	s.watcher = watcher
	s.events = events
	s.done = done

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return events, nil
}

// CloseWatch stops the fsnotify watcher.
func (s *JSONFileSource) CloseWatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		s.events = nil
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	s.events = nil
	s.done = nil
	return err
}

// =============================================================================
// Environment variable source
// =============================================================================

// EnvSource reads process environment variables, translating "__" to ":".
// An optional prefix restricts and strips matching variables.
type EnvSource struct {
	name     string
	prefix   string
	priority int
}

// NewEnvSource creates an environment variable source.
func NewEnvSource(name, prefix string, priority int) *EnvSource {
	return &EnvSource{name: name, prefix: prefix, priority: priority}
}

// Name returns the source name.
func (s *EnvSource) Name() string { return s.name }

// Priority returns the source precedence.
func (s *EnvSource) Priority() int { return s.priority }

// Optional reports true; the environment never fails to load.
func (s *EnvSource) Optional() bool { return true }

// Load reads the environment.
func (s *EnvSource) Load() (map[string]string, error) {
	values := make(map[string]string)
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 {
			continue
		}
		name, value := kv[:idx], kv[idx+1:]
		if s.prefix != "" {
			if !strings.HasPrefix(name, s.prefix) {
				continue
			}
			name = strings.TrimPrefix(name, s.prefix)
		}
		key := strings.ReplaceAll(name, envSeparator, KeySeparator)
		values[key] = value
	}
	return values, nil
}

// =============================================================================
// Command-line argument source
// =============================================================================

// ArgsSource parses --key=value arguments with colon-delimited key syntax.
// Arguments not matching the form are ignored.
type ArgsSource struct {
	name     string
	args     []string
	priority int
}

// NewArgsSource creates a command-line source over the given argument list.
func NewArgsSource(name string, args []string, priority int) *ArgsSource {
	return &ArgsSource{name: name, args: args, priority: priority}
}

// Name returns the source name.
func (s *ArgsSource) Name() string { return s.name }

// Priority returns the source precedence.
func (s *ArgsSource) Priority() int { return s.priority }

// Optional reports true.
func (s *ArgsSource) Optional() bool { return true }

// Load parses the argument list.
func (s *ArgsSource) Load() (map[string]string, error) {
	values := make(map[string]string)
	for _, arg := range s.args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		body := strings.TrimPrefix(arg, "--")
		idx := strings.IndexByte(body, '=')
		if idx <= 0 {
			continue
		}
		values[body[:idx]] = body[idx+1:]
	}
	return values, nil
}

// =============================================================================
// Memory source
// =============================================================================

// MemorySource is a writable in-process source used for runtime overrides,
// per-module configuration, and tests. Set and Delete take effect on the
// next store reload; callers normally pair them with Store.Reload.
type MemorySource struct {
	name     string
	priority int

	mu     sync.RWMutex
	values map[string]string
}

// NewMemorySource creates a memory source seeded with initial values.
func NewMemorySource(name string, priority int, initial map[string]string) *MemorySource {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemorySource{name: name, priority: priority, values: values}
}

// Name returns the source name.
func (s *MemorySource) Name() string { return s.name }

// Priority returns the source precedence.
func (s *MemorySource) Priority() int { return s.priority }

// Optional reports true.
func (s *MemorySource) Optional() bool { return true }

// Load snapshots the stored values.
func (s *MemorySource) Load() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return values, nil
}

// Set stores a value.
func (s *MemorySource) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Delete removes a value.
func (s *MemorySource) Delete(key string) {
	s.mu.Lock()
	normalized := NormalizeKey(key)
	for k := range s.values {
		if NormalizeKey(k) == normalized {
			delete(s.values, k)
		}
	}
	s.mu.Unlock()
}
