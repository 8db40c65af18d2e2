// Package store implements the process-wide (per-Controller) mapping from
// EntityID to ControlledEntity (§4.A).
package store

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

var storeLogger = logrus.WithFields(logrus.Fields{"module": "store"})

// ErrAlreadyPresent is returned by Insert when the EntityID is already known.
var ErrAlreadyPresent = errors.New("entity already present")

// ErrNotFound is returned by Find/Remove when the EntityID is unknown.
var ErrNotFound = errors.New("entity not found")

// Store maps EntityID to a shared *model.ControlledEntity handle. It is
// guarded by a single reentrant-in-spirit mutex: Go's sync.Mutex is not
// reentrant, so Iterate holds the lock for its whole duration and must
// not call back into Insert/Remove/Find, mirroring the teacher's
// top-level sync.Mutex embedding discipline (never take the same lock
// twice on one goroutine).
type Store struct {
	mu       sync.Mutex
	entities map[model.EntityID]*model.ControlledEntity
}

// New returns an empty Store, one per Controller instance (§9 "Global
// state": the store is per-Controller, not process-global).
func New() *Store {
	return &Store{entities: make(map[model.EntityID]*model.ControlledEntity)}
}

// Insert adds a freshly created entity. Fails if the id is already present.
func (s *Store) Insert(e *model.ControlledEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID()]; ok {
		return errors.Wrapf(ErrAlreadyPresent, "entityID=%s", e.ID())
	}
	s.entities[e.ID()] = e
	storeLogger.WithFields(logrus.Fields{"entityID": e.ID()}).Debug("entity inserted")
	return nil
}

// Remove deletes the entity, if present. Returns ErrNotFound otherwise.
func (s *Store) Remove(id model.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return errors.Wrapf(ErrNotFound, "entityID=%s", id)
	}
	delete(s.entities, id)
	storeLogger.WithFields(logrus.Fields{"entityID": id}).Debug("entity removed")
	return nil
}

// Guard is a scoped handle on a ControlledEntity, released by Release. A
// held-locked guard additionally serializes mutation against the
// networking-executor goroutine for the guard's lifetime; a reference-only
// guard just keeps the entity from being garbage-collected-equivalent
// (i.e. from disappearing out from under a caller iterating the store).
type Guard struct {
	entity *model.ControlledEntity
	locked bool
}

// Entity returns the guarded entity.
func (g *Guard) Entity() *model.ControlledEntity { return g.entity }

// Release ends the guard's scope, unlocking the entity if it was held
// held-locked. Safe to call multiple times.
func (g *Guard) Release() {
	if g == nil || g.entity == nil {
		return
	}
	if g.locked {
		g.entity.Unlock()
		g.locked = false
	}
	g.entity = nil
}

// Find returns a reference-only guard: the entity is guaranteed to exist
// for as long as the guard is held, but no per-entity lock is taken.
func (s *Store) Find(id model.EntityID) (*Guard, error) {
	s.mu.Lock()
	e, ok := s.entities[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "entityID=%s", id)
	}
	return &Guard{entity: e}, nil
}

// FindLocked is like Find but additionally takes the entity's own lock,
// serializing the caller's multi-step read/modify sequence against the
// networking-executor goroutine's dispatch of responses for that entity.
func (s *Store) FindLocked(id model.EntityID) (*Guard, error) {
	g, err := s.Find(id)
	if err != nil {
		return nil, err
	}
	g.entity.Lock()
	g.locked = true
	return g, nil
}

// Iterate calls fn for every entity, holding the store mutex for the whole
// call (read-only iteration per §4.A). fn must not call back into Insert,
// Remove, or Iterate on the same Store.
func (s *Store) Iterate(fn func(*model.ControlledEntity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		fn(e)
	}
}

// Len returns the number of known entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Advertised returns the subset of entities visible to observers
// (invariant 2), a convenience used by graph recomputation and client
// listing operations which must skip unadvertised entities.
func (s *Store) Advertised() []*model.ControlledEntity {
	var out []*model.ControlledEntity
	s.Iterate(func(e *model.ControlledEntity) {
		if e.Advertised() {
			out = append(out, e)
		}
	})
	return out
}
