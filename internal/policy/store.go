package policy

import (
	"encoding/json"
	"errors"
	"sync"

	"prenet/internal/store"
)

const DefaultArrangementCap = 4096

// ErrAtCapacity means the proxy holds as many arrangements as it is willing
// to serve.
var ErrAtCapacity = errors.New("arrangement store at capacity")

// StoredArrangement is a proxy's record of one accepted key fragment.
type StoredArrangement struct {
	ID                string `json:"id"`
	Label             string `json:"label"`
	KFrag             []byte `json:"kfrag"`
	GranterStampPub   string `json:"granter_stamp_pub"`
	RecipientStampPub string `json:"recipient_stamp_pub"`
	Expiry            int64  `json:"expiry"`
	Revoked           bool   `json:"revoked,omitempty"`
}

// ArrangementStore persists arrangements as an append log: acceptance writes
// the full record, revocation appends a tombstone for the same ID. Replaying
// the log rebuilds the map; revocation is sticky.
type ArrangementStore struct {
	mu   sync.Mutex
	path string
	cap  int
	m    map[string]*StoredArrangement
}

func NewArrangementStore(path string, capacity int) (*ArrangementStore, error) {
	if capacity <= 0 {
		capacity = DefaultArrangementCap
	}
	s := &ArrangementStore{
		path: path,
		cap:  capacity,
		m:    make(map[string]*StoredArrangement),
	}
	err := store.ScanJSONL(path, func(line []byte) error {
		var rec StoredArrangement
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			return nil
		}
		if existing, ok := s.m[rec.ID]; ok {
			if rec.Revoked {
				existing.Revoked = true
			} else if existing.Label == "" {
				// Tombstone landed first; adopt the full record, keep it dead.
				rec.Revoked = existing.Revoked
				s.m[rec.ID] = &rec
			}
			return nil
		}
		s.m[rec.ID] = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ArrangementStore) Put(a StoredArrangement) error {
	s.mu.Lock()
	if existing, ok := s.m[a.ID]; ok {
		// Revocation is sticky; a late or repeated proposal cannot revive it.
		a.Revoked = a.Revoked || existing.Revoked
	} else if len(s.m) >= s.cap {
		s.mu.Unlock()
		return ErrAtCapacity
	}
	cp := a
	s.m[a.ID] = &cp
	s.mu.Unlock()
	return store.AppendJSONL(s.path, a)
}

func (s *ArrangementStore) Get(id string) (StoredArrangement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.m[id]
	if !ok {
		return StoredArrangement{}, false
	}
	return *a, true
}

// Revoke marks an arrangement dead and appends the tombstone. Unknown IDs
// are not an error; a revocation may race the proposal it refers to.
func (s *ArrangementStore) Revoke(id string) error {
	s.mu.Lock()
	if a, ok := s.m[id]; ok {
		a.Revoked = true
	}
	s.mu.Unlock()
	return store.AppendJSONL(s.path, StoredArrangement{ID: id, Revoked: true})
}

func (s *ArrangementStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
