package config

import (
	"context"
	"strings"
	"time"
)

// ChangeType classifies a configuration change event.
type ChangeType string

const (
	// ChangeAdded indicates the key was not previously defined.
	ChangeAdded ChangeType = "Added"
	// ChangeUpdated indicates the effective value changed.
	ChangeUpdated ChangeType = "Updated"
	// ChangeRemoved indicates the key is no longer defined.
	ChangeRemoved ChangeType = "Removed"
	// ChangeReloaded indicates the value is unchanged but its providing
	// source changed during a reload.
	ChangeReloaded ChangeType = "Reloaded"
)

// ChangeEvent describes one effective-value change.
type ChangeEvent struct {
	Key       string
	Old       string
	New       string
	Type      ChangeType
	Source    string
	Timestamp time.Time
}

// ChangeHandler receives change events for a subscription.
type ChangeHandler func(ChangeEvent)

// Subscription is a disposable handle for a change-notification
// registration.
type Subscription struct {
	id      int
	pattern string
	handler ChangeHandler
	store   *Store
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	if s == nil || s.store == nil {
		return
	}
	s.store.subMu.Lock()
	delete(s.store.subs, s.id)
	s.store.subMu.Unlock()
	s.store = nil
}

// Subscribe registers a handler for changes to keys matching pattern.
// Patterns are colon-delimited; within a segment '*' matches any run and
// '?' matches one character. A trailing '*' segment matches all deeper
// segments. Matching is case-insensitive.
func (s *Store) Subscribe(pattern string, handler ChangeHandler) *Subscription {
	if handler == nil {
		return &Subscription{}
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	sub := &Subscription{id: s.nextID, pattern: NormalizeKey(pattern), handler: handler, store: s}
	s.subs[sub.id] = sub
	return sub
}

// MatchPattern reports whether a normalized key matches a normalized
// subscription pattern.
func MatchPattern(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, KeySeparator), strings.Split(key, KeySeparator))
}

func matchSegments(pattern, key []string) bool {
	for i, seg := range pattern {
		// A trailing '*' swallows the rest of the key.
		if seg == "*" && i == len(pattern)-1 {
			return len(key) >= i
		}
		if i >= len(key) {
			return false
		}
		if !matchSegment(seg, key[i]) {
			return false
		}
	}
	return len(key) == len(pattern)
}

func matchSegment(pattern, segment string) bool {
	// Iterative glob with single-star backtracking.
	pi, si := 0, 0
	starP, starS := -1, -1
	for si < len(segment) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == segment[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			starP, starS = pi, si
			pi++
		case starP >= 0:
			starS++
			pi, si = starP+1, starS
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// Reload asks every source to re-read, swaps the effective snapshot, and
// emits the minimal set of change events. Events for a given key are
// delivered in timestamp order; equal values never re-emit.
func (s *Store) Reload() error {
	composed, err := s.compose()
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.effective
	s.effective = composed
	s.mu.Unlock()

	events := diffSnapshots(previous, composed)
	for _, ev := range events {
		s.logger.LogConfigChange(ev.Key, ev.Source, string(ev.Type))
	}
	s.dispatch(events)
	return nil
}

func diffSnapshots(old, new map[string]entry) []ChangeEvent {
	now := time.Now().UTC()
	var events []ChangeEvent

	for key, ne := range new {
		oe, existed := old[key]
		switch {
		case !existed:
			events = append(events, ChangeEvent{
				Key: ne.key, New: ne.value, Type: ChangeAdded, Source: ne.source, Timestamp: now,
			})
		case oe.value != ne.value:
			events = append(events, ChangeEvent{
				Key: ne.key, Old: oe.value, New: ne.value, Type: ChangeUpdated, Source: ne.source, Timestamp: now,
			})
		case oe.source != ne.source:
			events = append(events, ChangeEvent{
				Key: ne.key, Old: oe.value, New: ne.value, Type: ChangeReloaded, Source: ne.source, Timestamp: now,
			})
		}
	}
	for key, oe := range old {
		if _, still := new[key]; !still {
			events = append(events, ChangeEvent{
				Key: oe.key, Old: oe.value, Type: ChangeRemoved, Source: oe.source, Timestamp: now,
			})
		}
	}
	return events
}

// dispatch delivers events to matching subscribers sequentially, preserving
// per-key timestamp order.
func (s *Store) dispatch(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	s.subMu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, ev := range events {
		normalized := NormalizeKey(ev.Key)
		for _, sub := range subs {
			if MatchPattern(sub.pattern, normalized) {
				sub.handler(ev)
			}
		}
	}
}

// StartWatching launches the change-detection loop: a periodic reload plus
// immediate reloads on source watch signals. It returns after starting the
// background goroutine; Stop or ctx cancellation terminates it.
func (s *Store) StartWatching(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	sources := s.orderedSourcesLocked()
	interval := s.pollInterval
	s.mu.Unlock()

	// Merge per-source watch channels into one signal stream.
	signals := make(chan struct{}, 1)
	for _, src := range sources {
		watchable, ok := src.(WatchableSource)
		if !ok {
			continue
		}
		ch, err := watchable.Watch()
		if err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"source": src.Name(),
			}).Warn("source watch unavailable; falling back to polling")
			continue
		}
		go func() {
			for {
				select {
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					select {
					case signals <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
			case <-signals:
			}
			if err := s.Reload(); err != nil {
				s.logger.WithError(err).Warn("configuration reload failed")
			}
		}
	}()
}

// Stop terminates the watch loop and closes source watchers.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	for _, src := range s.Sources() {
		if watchable, ok := src.(WatchableSource); ok {
			_ = watchable.CloseWatch()
		}
	}
}
