package loader

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shellhost/shellhost/infrastructure/config"
	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/pkg/semver"
	"github.com/shellhost/shellhost/sdk/module"
)

// Factory constructs a fresh module entry object. Each factory invocation
// yields a new instance; hot reload relies on that.
type Factory func() module.Module

// Candidate is a discovered manifest awaiting load.
type Candidate struct {
	Manifest *Manifest
	Path     string
}

// LoadContext is the isolation handle for one loaded module. Releasing it
// drops the host's references into the module.
type LoadContext struct {
	ArtifactPath string

	mu       sync.Mutex
	entry    module.Module
	released bool
}

// Entry returns the module entry object, nil after release.
func (c *LoadContext) Entry() module.Module {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry
}

// Release drops the entry reference. Idempotent.
func (c *LoadContext) Release() {
	c.mu.Lock()
	c.entry = nil
	c.released = true
	c.mu.Unlock()
}

// Released reports whether the context has been released.
func (c *LoadContext) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Loaded is a successfully bound module ready for the lifecycle engine.
type Loaded struct {
	Manifest *Manifest
	Context  *LoadContext
}

// Options configure a Loader.
type Options struct {
	// Directories are scanned recursively for *.module.yaml artifacts.
	Directories []string
	// Artifacts lists explicit manifest paths from configuration.
	Artifacts []string
	// RequireDirectories makes a missing or unreadable directory fatal.
	RequireDirectories bool
	// HostVersion is checked against each manifest's MinimumHostVersion.
	HostVersion string
	// Environment is handed to module validation.
	Environment string
}

// Loader turns manifests plus a factory table into loaded modules.
type Loader struct {
	opts      Options
	factories map[string]Factory
	logger    *logging.Logger
}

// New creates a Loader over the compiled-in factory table.
func New(opts Options, factories map[string]Factory, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.NewFromEnv("loader")
	}
	table := make(map[string]Factory, len(factories))
	for name, factory := range factories {
		table[name] = factory
	}
	return &Loader{opts: opts, factories: table, logger: logger}
}

// Discover enumerates candidate artifacts. Duplicate module names resolve
// to the higher version; equal versions keep the first discovered, with a
// warning either way.
func (l *Loader) Discover() ([]Candidate, error) {
	var paths []string
	for _, dir := range l.opts.Directories {
		found, err := scanDirectory(dir)
		if err != nil {
			if l.opts.RequireDirectories {
				return nil, hosterrors.NewIsolationError(dir, err)
			}
			l.logger.WithError(err).WithFields(map[string]interface{}{
				"directory": dir,
			}).Warn("module directory unreadable; skipping")
			continue
		}
		paths = append(paths, found...)
	}
	paths = append(paths, l.opts.Artifacts...)

	byName := make(map[string]Candidate)
	var order []string
	for _, path := range paths {
		manifest, err := ReadManifest(path)
		if err != nil {
			if l.opts.RequireDirectories {
				return nil, hosterrors.NewIsolationError(path, err)
			}
			l.logger.WithError(err).WithFields(map[string]interface{}{
				"artifact": path,
			}).Warn("unreadable module manifest; skipping")
			continue
		}

		candidate := Candidate{Manifest: manifest, Path: path}
		existing, dup := byName[manifest.Name]
		if !dup {
			byName[manifest.Name] = candidate
			order = append(order, manifest.Name)
			continue
		}

		winner, loser := pickVersion(existing, candidate)
		byName[manifest.Name] = winner
		l.logger.WithFields(map[string]interface{}{
			"module":  manifest.Name,
			"kept":    winner.Path,
			"dropped": loser.Path,
		}).Warn("duplicate module artifact; keeping higher version")
	}

	candidates := make([]Candidate, 0, len(order))
	for _, name := range order {
		candidates = append(candidates, byName[name])
	}
	return candidates, nil
}

// DiscoverOne locates the artifact for a single module name, used by hot
// reload.
func (l *Loader) DiscoverOne(name string) (Candidate, error) {
	candidates, err := l.Discover()
	if err != nil {
		return Candidate{}, err
	}
	for _, candidate := range candidates {
		if candidate.Manifest.Name == name {
			return candidate, nil
		}
	}
	return Candidate{}, hosterrors.Join(hosterrors.ErrModuleNotFound, fmt.Errorf("no artifact for %s", name))
}

func scanDirectory(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ManifestSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func pickVersion(a, b Candidate) (winner, loser Candidate) {
	va, errA := semver.Parse(a.Manifest.Version)
	vb, errB := semver.Parse(b.Manifest.Version)
	if errA != nil || errB != nil {
		return a, b // first discovered wins when versions are unparseable
	}
	if vb.Compare(va) > 0 {
		return b, a
	}
	return a, b
}

// Load binds a candidate to its factory and instantiates the entry object.
// It enforces the minimum host version and checks that the entry's declared
// name matches the manifest; the declared version is not compared. No
// module code beyond construction and
// the metadata read runs here.
func (l *Loader) Load(candidate Candidate) (*Loaded, error) {
	manifest := candidate.Manifest

	if min := manifest.Metadata.MinimumHostVersion; min != "" {
		hostVersion, err := semver.Parse(l.opts.HostVersion)
		if err != nil {
			return nil, hosterrors.NewIsolationError(candidate.Path,
				fmt.Errorf("host version %q unparseable: %w", l.opts.HostVersion, err))
		}
		ok, err := semver.InRange(hostVersion, min, "")
		if err != nil {
			return nil, hosterrors.NewIsolationError(candidate.Path,
				fmt.Errorf("minimumHostVersion: %w", err))
		}
		if !ok {
			return nil, hosterrors.NewIsolationError(candidate.Path,
				hosterrors.Join(hosterrors.ErrHostVersion,
					fmt.Errorf("requires host >= %s, running %s", min, l.opts.HostVersion)))
		}
	}

	factory, ok := l.factories[manifest.EntryName()]
	if !ok {
		return nil, hosterrors.NewIsolationError(candidate.Path,
			hosterrors.Join(hosterrors.ErrEntryNotFound,
				fmt.Errorf("no factory registered for %q", manifest.EntryName())))
	}

	entry := factory()
	if entry == nil {
		return nil, hosterrors.NewIsolationError(candidate.Path,
			hosterrors.Join(hosterrors.ErrEntryNotFound, fmt.Errorf("factory %q returned nil", manifest.EntryName())))
	}

	identity := entry.Identity()
	if identity.Name != manifest.Name {
		return nil, hosterrors.NewIsolationError(candidate.Path,
			hosterrors.Join(hosterrors.ErrAmbiguousEntry,
				fmt.Errorf("entry declares name %q, manifest %q", identity.Name, manifest.Name)))
	}

	return &Loaded{
		Manifest: manifest,
		Context:  &LoadContext{ArtifactPath: candidate.Path, entry: entry},
	}, nil
}

// Validate runs the entry's side-effect-free validation with the host
// context.
func (l *Loader) Validate(loaded *Loaded, alreadyLoaded []module.Identity, section *config.Section) module.ValidationResult {
	entry := loaded.Context.Entry()
	if entry == nil {
		return module.Invalid("load context released")
	}
	return entry.Validate(module.ValidationContext{
		HostVersion: l.opts.HostVersion,
		Environment: l.opts.Environment,
		Loaded:      alreadyLoaded,
		Config:      section,
	})
}
