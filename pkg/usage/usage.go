package usage

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// GrantUsage is one grant's quota-cycle accounting: the running byte
// counter for the current cycle, the raw proxy counters it was last
// computed against (for negative-delta re-baseline detection), and this
// node's own unreplicated enforcement flag.
type GrantUsage struct {
	GrantID           string    `json:"grant_id"`
	CycleStart        time.Time `json:"cycle_start"`
	CycleEnd          time.Time `json:"cycle_end"`
	UsedBytes         int64     `json:"used_bytes"`
	LastUplinkTotal   int64     `json:"last_uplink_total"`
	LastDownlinkTotal int64     `json:"last_downlink_total"`
	QuotaBanned       bool      `json:"quota_banned"`
}

// Document is the on-disk shape of usage.json.
type Document struct {
	SchemaVersion int                    `json:"schema_version"`
	Grants        map[string]*GrantUsage `json:"grants"`
}

// Store guards usage.json with a single mutex, per spec.md §5's "usage.json
// has a per-file mutex; the write path is temp-file + fsync + rename".
type Store struct {
	path string
	mu   sync.Mutex
	doc  *Document
}

// OpenStore loads usage.json from dataDir, starting from an empty document
// if the file doesn't exist yet.
func OpenStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "usage.json")
	doc := &Document{SchemaVersion: SchemaVersion, Grants: make(map[string]*GrantUsage)}
	found, err := readJSON(path, doc)
	if err != nil {
		return nil, err
	}
	if found && doc.SchemaVersion != SchemaVersion {
		return nil, &ErrSchemaMismatch{Path: path, Wanted: SchemaVersion, Found: doc.SchemaVersion}
	}
	if doc.Grants == nil {
		doc.Grants = make(map[string]*GrantUsage)
	}
	return &Store{path: path, doc: doc}, nil
}

// Get returns a copy of a grant's usage record, or a zero-value record
// (never banned, empty cycle) if this grant hasn't been seen yet.
func (s *Store) Get(grantID string) GrantUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.doc.Grants[grantID]; ok {
		return *u
	}
	return GrantUsage{GrantID: grantID}
}

// IsBanned implements reconciler.BanChecker.
func (s *Store) IsBanned(grantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.doc.Grants[grantID]
	return ok && u.QuotaBanned
}

// Update applies fn to a grant's record (creating it if absent) and
// persists the whole document atomically. fn runs under the store's lock,
// so it must not call back into the store.
func (s *Store) Update(grantID string, fn func(u *GrantUsage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.doc.Grants[grantID]
	if !ok {
		u = &GrantUsage{GrantID: grantID}
		s.doc.Grants[grantID] = u
	}
	fn(u)
	if err := writeJSONAtomic(s.path, s.doc); err != nil {
		return fmt.Errorf("persisting usage for grant %s: %w", grantID, err)
	}
	return nil
}

// Delete removes a grant's usage record (called when a Grant is deleted
// from replicated state) and persists the change.
func (s *Store) Delete(grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Grants[grantID]; !ok {
		return nil
	}
	delete(s.doc.Grants, grantID)
	if err := writeJSONAtomic(s.path, s.doc); err != nil {
		return fmt.Errorf("persisting usage after deleting grant %s: %w", grantID, err)
	}
	return nil
}

// All returns a snapshot of every tracked grant's usage, for the admin
// surface's {desired_enabled, quota_banned, effective_enabled} exposure
// (spec.md §4.F).
func (s *Store) All() map[string]GrantUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]GrantUsage, len(s.doc.Grants))
	for id, u := range s.doc.Grants {
		out[id] = *u
	}
	return out
}
