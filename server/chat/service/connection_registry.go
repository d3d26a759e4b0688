package service

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"eventchat/server/chat/domain"
	"eventchat/server/common/middleware"
)

type ConnectionRegistry struct {
	mu         sync.RWMutex
	bindings   map[string]domain.ConnectionBinding
	byIdentity map[string]map[string]struct{}
	sinks      map[string]*Sink
	closers    map[string]func()
	closing    bool
	drained    chan struct{}
	now        Clock
}

type DetachedSession struct {
	Binding domain.ConnectionBinding
	Sink    *Sink
	Close   func()
}

func NewConnectionRegistry(now Clock) *ConnectionRegistry {
	if now == nil {
		now = systemClock
	}
	return &ConnectionRegistry{
		bindings:   map[string]domain.ConnectionBinding{},
		byIdentity: map[string]map[string]struct{}{},
		sinks:      map[string]*Sink{},
		closers:    map[string]func(){},
		now:        now,
	}
}

func (r *ConnectionRegistry) Bind(connID string, identity domain.Identity) domain.ConnectionBinding {
	binding := domain.ConnectionBinding{ConnectionID: connID, Identity: identity, ConnectedAt: r.now()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.bindings[connID]; ok {
		r.dropIndex(prev)
	}
	r.bindings[connID] = binding
	if r.byIdentity[identity.ID] == nil {
		r.byIdentity[identity.ID] = map[string]struct{}{}
	}
	r.byIdentity[identity.ID][connID] = struct{}{}
	return binding
}

func (r *ConnectionRegistry) AttachSink(connID string, sink *Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[connID]; !ok || sink == nil {
		return false
	}
	r.sinks[connID] = sink
	return true
}

// SetCloser records how to tear down the transport behind connID. Once CloseAll
// has run, closeFn is invoked right away instead.
func (r *ConnectionRegistry) SetCloser(connID string, closeFn func()) bool {
	if closeFn == nil {
		return false
	}
	r.mu.Lock()
	if _, ok := r.bindings[connID]; !ok {
		r.mu.Unlock()
		return false
	}
	if r.closing {
		r.mu.Unlock()
		closeFn()
		return true
	}
	r.closers[connID] = closeFn
	r.mu.Unlock()
	return true
}

func (r *ConnectionRegistry) Unbind(connID string) (domain.ConnectionBinding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.bindings[connID]
	if !ok {
		return domain.ConnectionBinding{}, false
	}
	r.remove(binding)
	return binding, true
}

func (r *ConnectionRegistry) Detach(identityID string) []DetachedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byIdentity[identityID]
	out := make([]DetachedSession, 0, len(conns))
	for connID := range conns {
		binding := r.bindings[connID]
		out = append(out, DetachedSession{Binding: binding, Sink: r.sinks[connID], Close: r.closers[connID]})
	}
	for _, session := range out {
		r.remove(session.Binding)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Binding.ConnectionID < out[j].Binding.ConnectionID })
	return out
}

func (r *ConnectionRegistry) remove(binding domain.ConnectionBinding) {
	delete(r.bindings, binding.ConnectionID)
	delete(r.sinks, binding.ConnectionID)
	r.dropIndex(binding)
}

func (r *ConnectionRegistry) Release(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.closers[connID]; !ok {
		return
	}
	delete(r.closers, connID)
	if len(r.closers) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

func (r *ConnectionRegistry) dropIndex(binding domain.ConnectionBinding) {
	conns := r.byIdentity[binding.Identity.ID]
	delete(conns, binding.ConnectionID)
	if len(conns) == 0 {
		delete(r.byIdentity, binding.Identity.ID)
	}
}

func (r *ConnectionRegistry) CloseAll() int {
	r.mu.Lock()
	r.closing = true
	closers := make([]func(), 0, len(r.closers))
	for _, fn := range r.closers {
		closers = append(closers, fn)
	}
	r.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
	return len(closers)
}

func (r *ConnectionRegistry) WaitDrained(ctx context.Context) error {
	r.mu.Lock()
	if len(r.closers) == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	drained := r.drained
	r.mu.Unlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ConnectionRegistry) IdentityFor(connID string) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[connID]
	return binding.Identity, ok
}

func (r *ConnectionRegistry) ConnectionsFor(identityID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID])
}

func (r *ConnectionRegistry) SetOpenChat(connID, otherID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.bindings[connID]
	if !ok {
		return false
	}
	binding.OpenChatWith = strings.TrimSpace(otherID)
	r.bindings[connID] = binding
	return true
}

func (r *ConnectionRegistry) OpenChat(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[connID]
	if !ok || binding.OpenChatWith == "" {
		return "", false
	}
	return binding.OpenChatWith, true
}

func (r *ConnectionRegistry) Snapshot() []domain.ConnectionBinding {
	r.mu.RLock()
	items := make([]domain.ConnectionBinding, 0, len(r.bindings))
	for _, binding := range r.bindings {
		items = append(items, binding)
	}
	r.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].ConnectedAt.Equal(items[j].ConnectedAt) {
			return items[i].ConnectionID < items[j].ConnectionID
		}
		return items[i].ConnectedAt.Before(items[j].ConnectedAt)
	})
	return items
}

const (
	HeaderUserID   = "X-User-Id"
	HeaderVendorID = "X-Vendor-Id"
)

type Principal struct {
	UserID string
	Role   string
}

// IdentityResolver decides who a new connection belongs to. An authenticated
// principal wins, then a bearer token. Client-declared id headers are only
// consulted when allowDeclared is set.
type IdentityResolver struct {
	auth          TokenValidator
	allowDeclared bool
}

func NewIdentityResolver(auth TokenValidator, allowDeclared bool) *IdentityResolver {
	return &IdentityResolver{auth: auth, allowDeclared: allowDeclared}
}

func (r *IdentityResolver) Resolve(principal *Principal, header http.Header) (domain.Identity, bool) {
	if principal != nil && strings.TrimSpace(principal.UserID) != "" {
		return identityFromRole(principal.UserID, principal.Role), true
	}
	if r.auth != nil {
		if token, ok := middleware.BearerToken(header.Get("Authorization")); ok {
			if userID, role, err := r.auth.ParseAuthContext(token); err == nil && strings.TrimSpace(userID) != "" {
				return identityFromRole(userID, role), true
			}
		}
	}
	if !r.allowDeclared {
		return domain.Identity{}, false
	}
	if id := strings.TrimSpace(header.Get(HeaderVendorID)); id != "" {
		return domain.Identity{ID: id, Kind: domain.IdentityVendor}, true
	}
	if id := strings.TrimSpace(header.Get(HeaderUserID)); id != "" {
		return domain.Identity{ID: id, Kind: domain.IdentityCustomer}, true
	}
	return domain.Identity{}, false
}

func identityFromRole(id, role string) domain.Identity {
	kind, ok := domain.ParseIdentityKind(role)
	if !ok {
		kind = domain.IdentityCustomer
	}
	return domain.Identity{ID: strings.TrimSpace(id), Kind: kind}
}
