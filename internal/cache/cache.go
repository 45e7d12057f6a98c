package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

// DefaultTTL is how long a fetched record is served without refreshing.
const DefaultTTL = time.Hour

const keyPrefix = "weather_"

// Entry is a stored weather record together with the time it was fetched.
type Entry struct {
	City     string               `json:"city"`
	Record   models.WeatherRecord `json:"record"`
	StoredAt time.Time            `json:"stored_at"`
}

// Store is a keyed entry store. ttl lets backends evict on their own; freshness
// is decided by WeatherCache from Entry.StoredAt, never by the backend.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Name() string
}

// Pinger is implemented by stores with a remote dependency worth health-checking.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Key returns the store key for city: "weather_" followed by the trimmed,
// lower-cased city name.
func Key(city string) string {
	return keyPrefix + normalizeCity(city)
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// InMemoryStore implements Store with a process-local map. Safe for concurrent use.
// Entries past their ttl are removed on access.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]memoryEntry),
	}
}

// Get returns (entry, true, nil) when key is present and within its ttl.
func (s *InMemoryStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.data[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

// Set stores entry under key, replacing any previous entry.
func (s *InMemoryStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memoryEntry{
		entry:     entry,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries held, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Name implements Store.
func (s *InMemoryStore) Name() string { return "in_memory" }
