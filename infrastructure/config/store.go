package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/secrets"
)

const defaultPollInterval = 5 * time.Second

// entry is one effective configuration value with its provenance.
type entry struct {
	key       string // original casing as provided by the source
	value     string
	source    string
	priority  int
	sensitive bool
}

// Store composes prioritized sources into one effective configuration map.
//
// Reads resolve secret placeholders on access and never perform I/O while
// holding the map lock. Writers (reload) swap a fresh snapshot.
type Store struct {
	mu        sync.RWMutex
	sources   []Source
	effective map[string]entry

	resolver *secrets.Resolver
	logger   *logging.Logger

	subMu  sync.Mutex
	subs   map[int]*Subscription
	nextID int

	pollInterval time.Duration
	stopOnce     sync.Once
	stopCh       chan struct{}
	started      bool
}

// Option configures a Store.
type Option func(*Store)

// WithResolver installs the secret resolver used on reads.
func WithResolver(r *secrets.Resolver) Option {
	return func(s *Store) { s.resolver = r }
}

// WithPollInterval overrides the periodic change-detection interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewStore creates an empty Store.
func NewStore(logger *logging.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logging.NewFromEnv("config")
	}
	s := &Store{
		effective:    make(map[string]entry),
		logger:       logger,
		subs:         make(map[int]*Subscription),
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSource registers a source. Sources added after Load take effect on the
// next reload.
func (s *Store) AddSource(src Source) {
	if src == nil {
		return
	}
	s.mu.Lock()
	s.sources = append(s.sources, src)
	s.mu.Unlock()
}

// Sources returns the registered sources in composition order
// (ascending priority, insertion order within equal priority).
func (s *Store) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedSourcesLocked()
}

func (s *Store) orderedSourcesLocked() []Source {
	ordered := make([]Source, len(s.sources))
	copy(ordered, s.sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return ordered
}

// Load composes all sources into the effective map. A required source
// failing to load aborts with a ConfigError; optional sources log and are
// skipped.
func (s *Store) Load() error {
	composed, err := s.compose()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.effective = composed
	s.mu.Unlock()
	return nil
}

func (s *Store) compose() (map[string]entry, error) {
	s.mu.RLock()
	ordered := s.orderedSourcesLocked()
	s.mu.RUnlock()

	composed := make(map[string]entry)
	for _, src := range ordered {
		values, err := src.Load()
		if err != nil {
			if optional, ok := src.(OptionalSource); ok && optional.Optional() {
				s.logger.WithError(err).WithFields(map[string]interface{}{
					"source": src.Name(),
				}).Warn("optional configuration source failed to load")
				continue
			}
			return nil, hosterrors.NewConfigError("load", src.Name(), "",
				hosterrors.Join(hosterrors.ErrSourceUnavailable, err))
		}
		for key, value := range values {
			composed[NormalizeKey(key)] = entry{
				key:       key,
				value:     value,
				source:    src.Name(),
				priority:  src.Priority(),
				sensitive: secrets.ContainsPlaceholder(value),
			}
		}
	}
	return composed, nil
}

// Get returns the effective value for key with secret placeholders
// resolved, and whether the key is defined.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	e, ok := s.effective[NormalizeKey(key)]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return s.resolveValue(e.value), true
}

// GetString returns the effective value or the default when absent.
func (s *Store) GetString(key, def string) string {
	if value, ok := s.Get(key); ok {
		return value
	}
	return def
}

// GetBool parses the value as a boolean. Accepts "true", "1", "yes", "y",
// "on" (case-insensitive) as true and "false", "0", "no", "n", "off" as
// false; anything else returns the default.
func (s *Store) GetBool(key string, def bool) bool {
	value, ok := s.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	}
	return def
}

// GetInt parses the value as an integer, returning the default on failure.
func (s *Store) GetInt(key string, def int) int {
	value, ok := s.Get(key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return parsed
}

// GetDuration parses the value as a time.Duration, returning the default on
// failure. Bare integers are interpreted as seconds.
func (s *Store) GetDuration(key string, def time.Duration) time.Duration {
	value, ok := s.Get(key)
	if !ok {
		return def
	}
	trimmed := strings.TrimSpace(value)
	if parsed, err := time.ParseDuration(trimmed); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(trimmed); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

// GetEnum returns the value when it matches one of the allowed choices
// (case-insensitive, canonicalized to the allowed spelling); otherwise the
// default.
func (s *Store) GetEnum(key string, allowed []string, def string) string {
	value, ok := s.Get(key)
	if !ok {
		return def
	}
	trimmed := strings.TrimSpace(value)
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, trimmed) {
			return candidate
		}
	}
	return def
}

// GetStringSlice parses the value as a comma-separated list, trimming each
// element and dropping empties.
func (s *Store) GetStringSlice(key string, def []string) []string {
	value, ok := s.Get(key)
	if !ok {
		return def
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return def
	}
	return result
}

// GetAll enumerates keys and resolved values under a prefix. An empty
// prefix returns the full map. Returned keys keep their source casing.
func (s *Store) GetAll(prefix string) map[string]string {
	normalized := NormalizeKey(prefix)
	if normalized != "" && !strings.HasSuffix(normalized, KeySeparator) {
		normalized += KeySeparator
	}

	s.mu.RLock()
	matched := make([]entry, 0, len(s.effective))
	for key, e := range s.effective {
		if normalized == "" || strings.HasPrefix(key, normalized) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	result := make(map[string]string, len(matched))
	for _, e := range matched {
		result[e.key] = s.resolveValue(e.value)
	}
	return result
}

// Sensitive reports whether the raw stored value for key contains a secret
// placeholder.
func (s *Store) Sensitive(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.effective[NormalizeKey(key)]
	return ok && e.sensitive
}

// SourceOf returns the name of the source providing the effective value.
func (s *Store) SourceOf(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.effective[NormalizeKey(key)]
	if !ok {
		return "", false
	}
	return e.source, true
}

// Section returns a read view rooted at prefix.
func (s *Store) Section(prefix string) *Section {
	return &Section{store: s, prefix: strings.TrimSuffix(prefix, KeySeparator)}
}

func (s *Store) resolveValue(value string) string {
	if s.resolver == nil || !secrets.ContainsPlaceholder(value) {
		return value
	}
	return s.resolver.Resolve(value)
}
