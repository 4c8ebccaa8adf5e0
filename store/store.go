package store

import (
	"sync"
	"time"
)

// Record holds the OAuth credentials and install metadata for a single
// CRM location. LocationID is the record key and is immutable once the
// record is installed. The token values are never serialized here; the
// API layer decides which fields leave the process.
type Record struct {
	LocationID    string    `json:"locationId"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	TokenType     string    `json:"tokenType"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CompanyID     string    `json:"companyId"`
	UserID        string    `json:"userId"`
	UserType      string    `json:"userType"`
	InstalledAt   time.Time `json:"installedAt"`
	LastRefreshed time.Time `json:"lastRefreshed"`
}

// IsExpired reports whether the access token has lapsed at the given
// instant.
func (r Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Store is the source of truth for per-location credential state. One
// record exists per location id; Put is an upsert replacing any
// previous record for the same id. Get and List return copies, so all
// mutation must happen through Put and Delete. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(locationID string) (Record, bool)
	Put(rec Record)
	Delete(locationID string)
	List() []Record
}

// MemoryStore keeps records in a process-local map. Contents do not
// survive a restart and growth is unbounded; there is no eviction.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// Get returns a copy of the record for a location id.
func (s *MemoryStore) Get(locationID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[locationID]
	return rec, ok
}

// Put inserts or replaces the record keyed by its LocationID.
func (s *MemoryStore) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.LocationID] = rec
}

// Delete removes the record for a location id, if any.
func (s *MemoryStore) Delete(locationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, locationID)
}

// List returns copies of all records in no particular order.
func (s *MemoryStore) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	return recs
}
