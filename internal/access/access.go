// Package access implements the Exclusive Access Registry of §4.H: issuing
// opaque tokens for Acquire/PersistentAcquire/Lock claims and invalidating
// them when the underlying AECP state drops, following the same
// lock-guards-the-collection, callbacks-fire-outside-it discipline the
// teacher uses for its device registries.
package access

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
)

var accessLogger = logrus.WithFields(logrus.Fields{"module": "access"})

// Kind distinguishes the claim a Token represents. PersistentAcquire and
// Acquire are treated identically for matching/invalidation purposes
// (§4.H); Lock is tracked separately since it is entity-scoped and
// short-lived rather than per-descriptor.
type Kind int

const (
	KindAcquire Kind = iota
	KindPersistentAcquire
	KindLock
)

func (k Kind) String() string {
	switch k {
	case KindAcquire:
		return "Acquire"
	case KindPersistentAcquire:
		return "PersistentAcquire"
	case KindLock:
		return "Lock"
	default:
		return "Unknown"
	}
}

func (k Kind) matches(other Kind) bool {
	if k == KindLock || other == KindLock {
		return k == other
	}
	return true // Acquire and PersistentAcquire match each other
}

// Token is the opaque handle returned to a client on a successful
// RequestExclusiveAccess call. Clients compare tokens only by equality;
// the UUID carries no meaning beyond uniqueness.
type Token struct {
	ID       uuid.UUID
	EntityID model.EntityID
	Kind     Kind
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%s,%s)", t.ID, t.EntityID, t.Kind)
}

type entry struct {
	token        Token
	onInvalidate func(Token)
}

// Registry maps an EntityID to its currently live tokens. One Registry
// serves the whole Controller (§5's exclusive-access registry lock).
type Registry struct {
	mu     sync.Mutex
	tokens map[model.EntityID][]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[model.EntityID][]entry)}
}

// issue records a fresh token and returns it. onInvalidate, if non-nil, is
// called (outside the registry lock) when Invalidate drops this token; an
// explicit release drops the token without calling onInvalidate.
func (r *Registry) issue(entityID model.EntityID, kind Kind, onInvalidate func(Token)) Token {
	tok := Token{ID: uuid.New(), EntityID: entityID, Kind: kind}
	r.mu.Lock()
	r.tokens[entityID] = append(r.tokens[entityID], entry{token: tok, onInvalidate: onInvalidate})
	r.mu.Unlock()
	return tok
}

// Invalidate drops every live token of a matching kind for entityID (called
// when the dispatcher observes the underlying AECP state has reverted to
// NotAcquired/NotLocked) and fires each one's invalidation callback after
// releasing the lock.
func (r *Registry) Invalidate(entityID model.EntityID, kind Kind) {
	r.mu.Lock()
	live := r.tokens[entityID]
	var kept []entry
	var dropped []entry
	for _, e := range live {
		if e.token.Kind.matches(kind) {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(r.tokens, entityID)
	} else {
		r.tokens[entityID] = kept
	}
	r.mu.Unlock()

	for _, e := range dropped {
		if e.onInvalidate != nil {
			e.onInvalidate(e.token)
		}
	}
}

// release drops exactly one token (an explicit client release, as opposed
// to an observed state-drop invalidation) and reports whether it was found.
func (r *Registry) release(tok Token) bool {
	r.mu.Lock()
	live := r.tokens[tok.EntityID]
	found := false
	kept := live[:0:0]
	for _, e := range live {
		if e.token.ID == tok.ID {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if found {
		if len(kept) == 0 {
			delete(r.tokens, tok.EntityID)
		} else {
			r.tokens[tok.EntityID] = kept
		}
	}
	r.mu.Unlock()
	return found
}

// Active reports the live tokens currently held for entityID, for
// diagnostics/snapshotting.
func (r *Registry) Active(entityID model.EntityID) []Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Token, 0, len(r.tokens[entityID]))
	for _, e := range r.tokens[entityID] {
		out = append(out, e.token)
	}
	return out
}

// Manager is the client-facing half of §4.H: it issues the underlying
// protocol command and only mints a Token once that command succeeds.
type Manager struct {
	proto    protocol.Interface
	registry *Registry
	bus      *observer.Bus
}

// NewManager returns a Manager driving proto and publishing on bus.
func NewManager(proto protocol.Interface, registry *Registry, bus *observer.Bus) *Manager {
	return &Manager{proto: proto, registry: registry, bus: bus}
}

// Registry exposes the underlying token registry, e.g. for the Dispatcher
// to call Invalidate when it observes a state drop.
func (m *Manager) Registry() *Registry { return m.registry }

// RequestExclusiveAccess issues the Acquire/Lock command for kind and, on
// success, mints and returns a Token through cb. A non-nil err means the
// protocol command itself failed; no token is issued in that case.
func (m *Manager) RequestExclusiveAccess(ctx context.Context, entityID model.EntityID, kind Kind, cb func(Token, error)) {
	switch kind {
	case KindLock:
		m.proto.LockEntity(ctx, entityID, func(status protocol.AECPStatus, owner model.EntityID) {
			if status != protocol.AECPSuccess {
				cb(Token{}, fmt.Errorf("lock entity %s: status %v", entityID, status))
				return
			}
			tok := m.registry.issue(entityID, KindLock, m.invalidationPublisher(observer.EventLockedChanged))
			accessLogger.WithFields(logrus.Fields{"entityID": entityID, "token": tok}).Debug("lock token issued")
			cb(tok, nil)
		})
	case KindAcquire, KindPersistentAcquire:
		m.proto.Acquire(ctx, entityID, kind == KindPersistentAcquire, func(status protocol.AECPStatus, owner model.EntityID) {
			if status != protocol.AECPSuccess {
				cb(Token{}, fmt.Errorf("acquire entity %s: status %v", entityID, status))
				return
			}
			tok := m.registry.issue(entityID, kind, m.invalidationPublisher(observer.EventAcquiredChanged))
			accessLogger.WithFields(logrus.Fields{"entityID": entityID, "token": tok}).Debug("acquire token issued")
			cb(tok, nil)
		})
	default:
		cb(Token{}, fmt.Errorf("unknown access kind %v", kind))
	}
}

// Release relinquishes tok: issues the matching Release/Unlock protocol
// command and drops the token from the registry regardless of the
// command's outcome (a failed release still means the client no longer
// holds a usable token locally).
func (m *Manager) Release(ctx context.Context, tok Token, cb func(error)) {
	m.registry.release(tok)
	switch tok.Kind {
	case KindLock:
		m.proto.UnlockEntity(ctx, tok.EntityID, func(status protocol.AECPStatus, owner model.EntityID) {
			cb(releaseErr(status))
		})
	default:
		m.proto.Release(ctx, tok.EntityID, func(status protocol.AECPStatus, owner model.EntityID) {
			cb(releaseErr(status))
		})
	}
}

func releaseErr(status protocol.AECPStatus) error {
	if status == protocol.AECPSuccess {
		return nil
	}
	return fmt.Errorf("release: status %v", status)
}

func (m *Manager) invalidationPublisher(kind observer.Kind) func(Token) {
	return func(tok Token) {
		accessLogger.WithFields(logrus.Fields{"token": tok}).Debug("token invalidated")
		if m.bus != nil {
			m.bus.Publish(observer.Event{Kind: kind, EntityID: tok.EntityID, Detail: tok})
		}
	}
}
