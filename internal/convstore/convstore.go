// Package convstore is the Conversation Store: an in-memory map of
// conversation id to Conversation, guarded by a single mutex with O(1) hold
// duration per spec §5 ("clone out / replace in"). Grounded on the
// teacher's internal/store.Cache, which guards its SQLite handle the same
// way, generalized here to a plain map since conversations are not
// persisted across process restarts (spec's non-goals exclude durable
// queue/storage beyond one process lifetime).
package convstore

import (
	"fmt"
	"sync"

	"github.com/forge-run/forge/internal/orchestrator"
)

// Store holds every live Conversation, keyed by id.
type Store struct {
	mu   sync.Mutex
	byID map[string]*orchestrator.Conversation
}

// New creates an empty Store.
func New() *Store {
	return &Store{byID: make(map[string]*orchestrator.Conversation)}
}

// Get returns a copy of the conversation for id, or false if absent. The
// hold is O(1): the pointer is fetched and released before the caller
// inspects it, matching spec §5's shared-state contract.
func (s *Store) Get(id string) (*orchestrator.Conversation, bool) {
	s.mu.Lock()
	c, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	clone := *c
	return &clone, true
}

// Upsert replaces (or inserts) the stored conversation for c.ID.
func (s *Store) Upsert(c *orchestrator.Conversation) {
	clone := *c
	s.mu.Lock()
	s.byID[c.ID] = &clone
	s.mu.Unlock()
}

// Delete removes the conversation for id, if present.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// NotFoundError builds the error a caller returns when id has no stored conversation.
func NotFoundError(id string) error {
	return fmt.Errorf("convstore: conversation %q not found", id)
}
