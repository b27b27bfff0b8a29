package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// EnvProvider resolves secrets from the process environment.
type EnvProvider struct{}

// NewEnvProvider creates the Env provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

// Name returns "Env".
func (p *EnvProvider) Name() string { return "Env" }

// Get looks up the named environment variable.
func (p *EnvProvider) Get(_ context.Context, name string) (string, bool, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", false, nil
	}
	return value, true, nil
}

// Healthy always succeeds; the environment is always reachable.
func (p *EnvProvider) Healthy(context.Context) error { return nil }

// MemoryProvider resolves secrets from an in-process map. Used by tests and
// development profiles.
type MemoryProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryProvider creates a Memory provider seeded with initial values.
func NewMemoryProvider(initial map[string]string) *MemoryProvider {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryProvider{values: values}
}

// Name returns "Memory".
func (p *MemoryProvider) Name() string { return "Memory" }

// Get retrieves a stored value.
func (p *MemoryProvider) Get(_ context.Context, name string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.values[name]
	return value, ok, nil
}

// Put stores a value.
func (p *MemoryProvider) Put(_ context.Context, name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
	return nil
}

// Healthy always succeeds.
func (p *MemoryProvider) Healthy(context.Context) error { return nil }

// FileProvider resolves secrets from a flat JSON file of name to value.
// The file is read once at construction; Reload re-reads it.
type FileProvider struct {
	path string

	mu     sync.RWMutex
	values map[string]string
	er     error
}

// NewFileProvider creates a File provider backed by a JSON document at path.
// A missing file is not an error; Get reports absent and Healthy reports the
// read failure.
func NewFileProvider(path string) *FileProvider {
	p := &FileProvider{path: path}
	p.er = p.Reload()
	return p
}

// Name returns "File".
func (p *FileProvider) Name() string { return "File" }

// Reload re-reads the backing file.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.mu.Lock()
		p.values = nil
		p.er = err
		p.mu.Unlock()
		return err
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		wrapped := fmt.Errorf("parse %s: %w", p.path, err)
		p.mu.Lock()
		p.values = nil
		p.er = wrapped
		p.mu.Unlock()
		return wrapped
	}

	p.mu.Lock()
	p.values = values
	p.er = nil
	p.mu.Unlock()
	return nil
}

// Get retrieves a value from the loaded document.
func (p *FileProvider) Get(_ context.Context, name string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.values == nil {
		return "", false, p.er
	}
	value, ok := p.values[name]
	return value, ok, nil
}

// Healthy reports the last read error, if any.
func (p *FileProvider) Healthy(context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.er
}
