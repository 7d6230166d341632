package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnknownKey is returned when setting a key outside Keys.
var ErrUnknownKey = errors.New("unknown profile key")

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	GetProfileKeys(ctx context.Context, uid string) (map[string]string, error)
	UpdateProfileKeys(ctx context.Context, uid string, set map[string]string, unset []string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DefaultTTL is how long a loaded profile is served from cache.
const DefaultTTL = 60 * time.Second

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Manager provides cached, structured access to user profiles. The cache is
// read-through per uid and is the only state shared between requests.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with the given cache TTL. A non-positive ttl
// uses DefaultTTL.
func NewManager(store ProfileStore, ttl time.Duration) *Manager {
	return NewManagerWithClock(store, realClock{}, ttl)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// GetProfile returns uid's profile from cache or storage. A user with no
// keys gets a zero-value Profile. Storage errors, including
// storage.ErrNotFound for unknown users, are wrapped and returned.
func (m *Manager) GetProfile(ctx context.Context, uid string) (Profile, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.cache[uid]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		p := deepCopyProfile(e.profile)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	keys, err := m.store.GetProfileKeys(ctx, uid)
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile keys: %w", err)
	}
	p := buildProfile(keys)

	m.mu.Lock()
	m.cache[uid] = cacheEntry{profile: p, cachedAt: m.clock.Now()}
	m.mu.Unlock()
	return deepCopyProfile(p), nil
}

// SetField validates and persists one profile key, then invalidates uid's
// cache entry. List keys accept a []string, a JSON array string, or
// comma-separated text; goal keys accept a number or decimal text. A nil value
// or empty string unsets the key.
func (m *Manager) SetField(ctx context.Context, uid, key string, value any) error {
	return m.SetFields(ctx, uid, map[string]any{key: value})
}

// SetFields validates every entry, then applies them as one update. Nothing
// is written if any entry is invalid or the store rejects the update.
func (m *Manager) SetFields(ctx context.Context, uid string, fields map[string]any) error {
	set := make(map[string]string, len(fields))
	var unset []string
	for key, value := range fields {
		if !isKnownKey(key) {
			return fmt.Errorf("%w: %q", ErrUnknownKey, key)
		}
		str, isUnset, err := encodeField(key, value)
		if err != nil {
			return err
		}
		if isUnset {
			unset = append(unset, key)
		} else {
			set[key] = str
		}
	}

	if err := m.store.UpdateProfileKeys(ctx, uid, set, unset); err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}

	m.Invalidate(uid)
	return nil
}

// Invalidate drops uid's cached profile.
func (m *Manager) Invalidate(uid string) {
	m.mu.Lock()
	delete(m.cache, uid)
	m.mu.Unlock()
}

// EncodeKeys converts typed field values into the stored text form, as used
// when creating a user with an initial profile.
func EncodeKeys(fields map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if !isKnownKey(k) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
		str, unset, err := encodeField(k, v)
		if err != nil {
			return nil, err
		}
		if !unset {
			out[k] = str
		}
	}
	return out, nil
}

func encodeField(key string, value any) (str string, unset bool, err error) {
	if value == nil {
		return "", true, nil
	}

	if isListKey(key) {
		var list []string
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return "", true, nil
			}
			if list, err = parseList(v); err != nil {
				return "", false, fmt.Errorf("%s: %w", key, err)
			}
		case []string:
			list = v
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return "", false, fmt.Errorf("%s must contain only strings", key)
				}
				list = append(list, s)
			}
		default:
			return "", false, fmt.Errorf("%s must be a list of strings, got %T", key, value)
		}
		if list == nil {
			list = []string{}
		}
		b, err := json.Marshal(list)
		if err != nil {
			return "", false, fmt.Errorf("marshalling value for key %q: %w", key, err)
		}
		return string(b), false, nil
	}

	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case json.Number:
		if n, err = v.Float64(); err != nil {
			return "", false, fmt.Errorf("%s must be a number: %w", key, err)
		}
	case string:
		if strings.TrimSpace(v) == "" {
			return "", true, nil
		}
		if n, err = strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return "", false, fmt.Errorf("%s must be a number: %w", key, err)
		}
	default:
		return "", false, fmt.Errorf("%s must be a number, got %T", key, value)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return "", false, fmt.Errorf("%s must be a non-negative number", key)
	}
	return strconv.FormatFloat(n, 'f', -1, 64), false, nil
}

func deepCopyProfile(p Profile) Profile {
	cp := p
	if p.Allergies != nil {
		cp.Allergies = make([]string, len(p.Allergies))
		copy(cp.Allergies, p.Allergies)
	}
	if p.HealthIssues != nil {
		cp.HealthIssues = make([]string, len(p.HealthIssues))
		copy(cp.HealthIssues, p.HealthIssues)
	}
	for _, key := range Keys {
		if f := cp.Goals.goalField(key); f != nil && *f != nil {
			v := **f
			*f = &v
		}
	}
	return cp
}

// buildProfile assembles a Profile from flat key-value pairs. Malformed
// values are logged and treated as unset.
func buildProfile(keys map[string]string) Profile {
	var p Profile

	p.Allergies = dedupe(listProfileKey(keys, KeyAllergies))
	p.HealthIssues = listProfileKey(keys, KeyHealthIssues)

	for _, key := range Keys {
		f := p.Goals.goalField(key)
		if f == nil {
			continue
		}
		v, ok := keys[key]
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			slog.Warn("malformed profile key, skipping", "key", key, "error", err)
			continue
		}
		*f = &n
	}
	return p
}

// listProfileKey reads a list key, logging a warning if the value is
// present but malformed.
func listProfileKey(keys map[string]string, key string) []string {
	v, ok := keys[key]
	if !ok {
		return nil
	}
	list, err := parseList(v)
	if err != nil {
		slog.Warn("malformed profile key, skipping", "key", key, "error", err)
		return nil
	}
	return list
}

// parseList reads a list value. Text starting with '[' must be a JSON array
// of strings; anything else is comma-separated, so "none" is a one-item list.
func parseList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var list []string
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			return nil, fmt.Errorf("must be a JSON array of strings: %w", err)
		}
		return list, nil
	}
	var list []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list, nil
}

func dedupe(items []string) []string {
	if items == nil {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		k := strings.ToLower(it)
		if it == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}
