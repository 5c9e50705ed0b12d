// Package projection folds the five reserved management topics (tenants,
// namespaces, users, api-keys, permissions) into in-memory read models.
// Each projection is a pure function of its event stream: Rebuild
// replays from scratch on startup, Apply folds newly published events in,
// and a periodic reconciliation pass (internal/projection.Reconciler) guards
// against a missed synchronous notification.
package projection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// SystemTenant and ManagementNamespace are the reserved scope the five
// management topics live under.
const (
	SystemTenant        = "$system"
	ManagementNamespace = "$management"
)

// Reserved management topic names.
const (
	TopicTenants     = "tenants"
	TopicNamespaces  = "namespaces"
	TopicUsers       = "users"
	TopicPermissions = "permissions"
	TopicAPIKeys     = "api-keys"
)

// ManagementTopics lists every reserved topic bootstrap must ensure exists.
var ManagementTopics = []string{TopicTenants, TopicNamespaces, TopicUsers, TopicPermissions, TopicAPIKeys}

// Tenant is the projected read model for a tenant.
type Tenant struct {
	ResourceID string
	Name       string
	Metadata   map[string]any
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// Namespace is the projected read model for a namespace.
type Namespace struct {
	ResourceID       string
	TenantResourceID string
	Name             string
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive             UserStatus = "ACTIVE"
	UserSuspended          UserStatus = "SUSPENDED"
	UserDeleted            UserStatus = "DELETED"
	UserPendingActivation  UserStatus = "PENDING_ACTIVATION"
)

// User is the projected read model for a user identity.
type User struct {
	ID              string
	Email           string
	PasswordHash    string
	Status          UserStatus
	PrimaryTenantID string
	TenantIDs       map[string]bool
	CreatedAt       time.Time
}

// ApiKey is the projected read model for an API key.
type ApiKey struct {
	ID          string
	UserID      string
	KeyHash     string
	Name        string
	Description string
	Scopes      []string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

// IsActive reports whether the key is usable for authentication:
// neither revoked nor expired.
func (k *ApiKey) IsActive(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// TimeWindow constrains a grant to a daily time-of-day range, UTC hours
// [StartHour, EndHour).
type TimeWindow struct {
	StartHour int
	EndHour   int
}

// Constraints narrows when a PermissionGrant applies.
type Constraints struct {
	EventTypes []string
	MaxAgeDays int
	TimeWindow *TimeWindow
}

// PermissionGrant is the projected read model for a grant.
type PermissionGrant struct {
	PrincipalID         string
	PrincipalType       string // USER | API_KEY | ROLE | GROUP
	ResourceType        string // TENANT | NAMESPACE | TOPIC | EVENT | CONSUMER | USER
	ResourceID          *string
	TenantResourceID    string
	NamespaceResourceID *string
	TopicResourceID     *string
	Permissions         map[string]bool
	Constraints         *Constraints
	ExpiresAt           *time.Time
}

func (g *PermissionGrant) hasPermission(token string) bool {
	return g.Permissions["ADMIN"] || g.Permissions[token]
}

func (g *PermissionGrant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// Store holds all five projections behind a single read-write lock:
// replays and single-event applies take the write lock, lookups take the
// read lock.
type Store struct {
	mu sync.RWMutex

	tenants       map[string]*Tenant // resourceId -> Tenant
	namespaces    map[string]*Namespace
	users         map[string]*User
	usersByEmail  map[string]string // email -> userId
	apiKeys       map[string]*ApiKey
	apiKeysByHash map[string]string // keyHash -> id
	grants        []*PermissionGrant
	applied       map[string]uint64 // management topic -> highest folded sequence
}

// New returns an empty Store. Call Rebuild before serving traffic.
func New() *Store {
	return &Store{
		tenants:       make(map[string]*Tenant),
		namespaces:    make(map[string]*Namespace),
		users:         make(map[string]*User),
		usersByEmail:  make(map[string]string),
		apiKeys:       make(map[string]*ApiKey),
		apiKeysByHash: make(map[string]string),
		applied:       make(map[string]uint64),
	}
}

// Rebuild replays every management topic from the beginning and rebuilds
// every projection from scratch. Topics that do not exist yet (pre-bootstrap)
// are skipped, not an error.
func (s *Store) Rebuild(ctx context.Context, store *eventstore.Store, topics *topicregistry.Registry) error {
	fresh := New()

	for _, topicName := range ManagementTopics {
		topic, err := topics.Get(ctx, SystemTenant, ManagementNamespace, topicName)
		if err != nil {
			if errors.Code(err) == errors.ErrCodeTopicNotFound {
				continue
			}
			return err
		}
		events, err := store.ReadSince(SystemTenant, ManagementNamespace, topicName, 0, topic.Sequence, 0)
		if err != nil {
			return err
		}
		fresh.fold(topicName, events)
	}

	s.mu.Lock()
	s.tenants = fresh.tenants
	s.namespaces = fresh.namespaces
	s.users = fresh.users
	s.usersByEmail = fresh.usersByEmail
	s.apiKeys = fresh.apiKeys
	s.apiKeysByHash = fresh.apiKeysByHash
	s.grants = fresh.grants
	s.applied = fresh.applied
	s.mu.Unlock()
	return nil
}

// Apply folds newly written events into the live projections, implementing
// publish.ProjectionNotifier. Only events on the reserved management topics
// under ($system, $management) affect projection state; anything else is a
// no-op (defensive: the publish pipeline only calls this for management
// topics, but Apply does not trust that blindly).
func (s *Store) Apply(ctx context.Context, tenant, namespace, topic string, events []eventstore.Event) error {
	if tenant != SystemTenant || namespace != ManagementNamespace {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fold(topic, events)
	return nil
}

func (s *Store) fold(topic string, events []eventstore.Event) {
	for _, e := range events {
		if id, err := eventstore.DecodeID(e.ID); err == nil && id.Sequence > s.applied[topic] {
			s.applied[topic] = id.Sequence
		}
		switch topic {
		case TopicTenants:
			s.foldTenant(e)
		case TopicNamespaces:
			s.foldNamespace(e)
		case TopicUsers:
			s.foldUser(e)
		case TopicAPIKeys:
			s.foldAPIKey(e)
		case TopicPermissions:
			s.foldPermission(e)
		}
	}
}

func decode(payload json.RawMessage, v any) bool {
	return json.Unmarshal(payload, v) == nil
}

func (s *Store) foldTenant(e eventstore.Event) {
	switch e.Type {
	case "tenant.created":
		var p struct {
			ResourceID string         `json:"resourceId"`
			Name       string         `json:"name"`
			Metadata   map[string]any `json:"metadata"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		s.tenants[p.ResourceID] = &Tenant{ResourceID: p.ResourceID, Name: p.Name, Metadata: p.Metadata, CreatedAt: e.Timestamp}
	case "tenant.updated":
		var p struct {
			ResourceID string         `json:"resourceId"`
			Name       *string        `json:"name"`
			Metadata   map[string]any `json:"metadata"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if t, ok := s.tenants[p.ResourceID]; ok {
			if p.Name != nil {
				t.Name = *p.Name
			}
			if p.Metadata != nil {
				t.Metadata = p.Metadata
			}
		}
	case "tenant.deleted":
		var p struct {
			ResourceID string `json:"resourceId"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if t, ok := s.tenants[p.ResourceID]; ok {
			now := e.Timestamp
			t.DeletedAt = &now
		}
	}
}

func (s *Store) foldNamespace(e eventstore.Event) {
	switch e.Type {
	case "namespace.created":
		var p struct {
			ResourceID       string `json:"resourceId"`
			TenantResourceID string `json:"tenantResourceId"`
			Name             string `json:"name"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		s.namespaces[p.ResourceID] = &Namespace{
			ResourceID:       p.ResourceID,
			TenantResourceID: p.TenantResourceID,
			Name:             p.Name,
			CreatedAt:        e.Timestamp,
		}
	case "namespace.updated":
		var p struct {
			ResourceID string  `json:"resourceId"`
			Name       *string `json:"name"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if n, ok := s.namespaces[p.ResourceID]; ok && p.Name != nil {
			n.Name = *p.Name
		}
	case "namespace.deleted":
		var p struct {
			ResourceID string `json:"resourceId"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if n, ok := s.namespaces[p.ResourceID]; ok {
			now := e.Timestamp
			n.DeletedAt = &now
		}
	}
}

func (s *Store) foldUser(e eventstore.Event) {
	switch e.Type {
	case "user.created":
		var p struct {
			ID              string `json:"id"`
			Email           string `json:"email"`
			PasswordHash    string `json:"passwordHash"`
			Status          string `json:"status"`
			PrimaryTenantID string `json:"primaryTenantId"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		status := UserActive
		if p.Status != "" {
			status = UserStatus(p.Status)
		}
		s.users[p.ID] = &User{
			ID:              p.ID,
			Email:           p.Email,
			PasswordHash:    p.PasswordHash,
			Status:          status,
			PrimaryTenantID: p.PrimaryTenantID,
			TenantIDs:       map[string]bool{p.PrimaryTenantID: true},
			CreatedAt:       e.Timestamp,
		}
		if p.Email != "" {
			s.usersByEmail[p.Email] = p.ID
		}
	case "user.status.changed":
		var p struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if u, ok := s.users[p.ID]; ok {
			u.Status = UserStatus(p.Status)
		}
	case "user.password.changed":
		var p struct {
			ID           string `json:"id"`
			PasswordHash string `json:"passwordHash"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if u, ok := s.users[p.ID]; ok {
			u.PasswordHash = p.PasswordHash
		}
	case "user.tenant.assigned":
		var p struct {
			ID       string `json:"id"`
			TenantID string `json:"tenantId"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if u, ok := s.users[p.ID]; ok {
			u.TenantIDs[p.TenantID] = true
		}
	case "user.tenant.removed":
		var p struct {
			ID       string `json:"id"`
			TenantID string `json:"tenantId"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if u, ok := s.users[p.ID]; ok {
			delete(u.TenantIDs, p.TenantID)
		}
	case "user.deleted":
		var p struct {
			ID string `json:"id"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if u, ok := s.users[p.ID]; ok {
			u.Status = UserDeleted
		}
	}
}

func (s *Store) foldAPIKey(e eventstore.Event) {
	switch e.Type {
	case "apikey.created":
		var p struct {
			ID          string     `json:"id"`
			UserID      string     `json:"userId"`
			KeyHash     string     `json:"keyHash"`
			Name        string     `json:"name"`
			Description string     `json:"description"`
			Scopes      []string   `json:"scopes"`
			ExpiresAt   *time.Time `json:"expiresAt"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		key := &ApiKey{
			ID:          p.ID,
			UserID:      p.UserID,
			KeyHash:     p.KeyHash,
			Name:        p.Name,
			Description: p.Description,
			Scopes:      p.Scopes,
			ExpiresAt:   p.ExpiresAt,
			CreatedAt:   e.Timestamp,
		}
		s.apiKeys[p.ID] = key
		s.apiKeysByHash[p.KeyHash] = p.ID
	case "apikey.revoked":
		var p struct {
			ID string `json:"id"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		if k, ok := s.apiKeys[p.ID]; ok {
			now := e.Timestamp
			k.RevokedAt = &now
		}
	}
}

func (s *Store) foldPermission(e eventstore.Event) {
	switch e.Type {
	case "permission.granted":
		var p struct {
			PrincipalID         string          `json:"principalId"`
			PrincipalType       string          `json:"principalType"`
			ResourceType        string          `json:"resourceType"`
			ResourceID          *string         `json:"resourceId"`
			TenantResourceID    string          `json:"tenantResourceId"`
			NamespaceResourceID *string         `json:"namespaceResourceId"`
			TopicResourceID     *string         `json:"topicResourceId"`
			Permissions         []string        `json:"permissions"`
			Constraints         *Constraints    `json:"constraints"`
			ExpiresAt           *time.Time      `json:"expiresAt"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		perms := make(map[string]bool, len(p.Permissions))
		for _, tok := range p.Permissions {
			perms[tok] = true
		}
		s.grants = append(s.grants, &PermissionGrant{
			PrincipalID:         p.PrincipalID,
			PrincipalType:       p.PrincipalType,
			ResourceType:        p.ResourceType,
			ResourceID:          p.ResourceID,
			TenantResourceID:    p.TenantResourceID,
			NamespaceResourceID: p.NamespaceResourceID,
			TopicResourceID:     p.TopicResourceID,
			Permissions:         perms,
			Constraints:         p.Constraints,
			ExpiresAt:           p.ExpiresAt,
		})
	case "permission.revoked":
		var p struct {
			PrincipalID  string   `json:"principalId"`
			ResourceType string   `json:"resourceType"`
			ResourceID   *string  `json:"resourceId"`
			Permissions  []string `json:"permissions"`
		}
		if !decode(e.Payload, &p) {
			return
		}
		revoke := make(map[string]bool, len(p.Permissions))
		for _, tok := range p.Permissions {
			revoke[tok] = true
		}
		s.revokePermissions(p.PrincipalID, p.ResourceType, p.ResourceID, revoke)
	}
}

func sameResourceID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// revokePermissions removes the intersection of (principal, resource,
// permission-set) from any matching active grants. A grant left with no
// permission tokens is dropped entirely.
func (s *Store) revokePermissions(principalID, resourceType string, resourceID *string, revoke map[string]bool) {
	kept := s.grants[:0]
	for _, g := range s.grants {
		if g.PrincipalID == principalID && g.ResourceType == resourceType && sameResourceID(g.ResourceID, resourceID) {
			for tok := range revoke {
				delete(g.Permissions, tok)
			}
			if len(g.Permissions) == 0 {
				continue
			}
		}
		kept = append(kept, g)
	}
	s.grants = kept
}

// Tenant looks up a live tenant by resourceId.
func (s *Store) Tenant(resourceID string) (*Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[resourceID]
	if !ok || t.DeletedAt != nil {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// TenantByName finds a live tenant by its human-readable name. Names are not
// guaranteed unique across deleted tenants, so only live tenants are
// considered.
func (s *Store) TenantByName(name string) (*Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Name == name && t.DeletedAt == nil {
			cp := *t
			return &cp, true
		}
	}
	return nil, false
}

// Namespace looks up a live namespace by resourceId.
func (s *Store) Namespace(resourceID string) (*Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.namespaces[resourceID]
	if !ok || n.DeletedAt != nil {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// NamespaceByName finds a live namespace by (tenantResourceId, name).
func (s *Store) NamespaceByName(tenantResourceID, name string) (*Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.namespaces {
		if n.TenantResourceID == tenantResourceID && n.Name == name && n.DeletedAt == nil {
			cp := *n
			return &cp, true
		}
	}
	return nil, false
}

// User looks up a user by id, including non-active ones (callers check
// Status themselves; DELETED users are never purged from the read model).
func (s *Store) User(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// UserByEmail finds a user by their globally-unique email.
func (s *Store) UserByEmail(email string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, false
	}
	u := s.users[id]
	cp := *u
	return &cp, true
}

// APIKeyByHash finds the API key record matching a SHA-256 hash.
func (s *Store) APIKeyByHash(hash string) (*ApiKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.apiKeysByHash[hash]
	if !ok {
		return nil, false
	}
	k := s.apiKeys[id]
	cp := *k
	return &cp, true
}

// APIKey looks up an API key by id.
func (s *Store) APIKey(id string) (*ApiKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return nil, false
	}
	cp := *k
	return &cp, true
}

// AppliedSequence reports the highest event sequence folded into the read
// models for one management topic. The reconciler compares this against the
// topic registry's persisted sequence to detect a missed Apply notification.
func (s *Store) AppliedSequence(topic string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[topic]
}

// GrantsForPrincipal returns every non-expired grant for a principal.
func (s *Store) GrantsForPrincipal(principalID string, now time.Time) []*PermissionGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PermissionGrant
	for _, g := range s.grants {
		if g.PrincipalID == principalID && !g.expired(now) {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out
}

// ListTenants returns every live tenant, in no particular order.
func (s *Store) ListTenants() []*Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		if t.DeletedAt == nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// ListNamespaces returns every live namespace under a tenant.
func (s *Store) ListNamespaces(tenantResourceID string) []*Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Namespace
	for _, n := range s.namespaces {
		if n.TenantResourceID == tenantResourceID && n.DeletedAt == nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

// ListUsersForTenant returns every user whose TenantIDs includes tenantResourceID.
func (s *Store) ListUsersForTenant(tenantResourceID string) []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*User
	for _, u := range s.users {
		if u.TenantIDs[tenantResourceID] {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out
}

// ListAPIKeysForUser returns every API key owned by userID, including revoked
// ones (callers filter with IsActive as needed).
func (s *Store) ListAPIKeysForUser(userID string) []*ApiKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ApiKey
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out
}

// ListGrantsForResource returns every non-expired grant addressed at exactly
// (resourceType, resourceID), for the permission-listing and revoke routes.
func (s *Store) ListGrantsForResource(resourceType string, resourceID *string, now time.Time) []*PermissionGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PermissionGrant
	for _, g := range s.grants {
		if g.ResourceType == resourceType && sameResourceID(g.ResourceID, resourceID) && !g.expired(now) {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out
}

// Resolver translates human-readable names to the stable resourceIds
// permissions reference. Topic names are resolved
// separately via topicregistry.Registry, which already stores a topic's
// resourceId alongside its config.
type Resolver struct {
	store *Store
}

// NewResolver wraps a Store for name lookups.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveTenant returns the tenant resourceId for a human-readable name.
func (r *Resolver) ResolveTenant(name string) (string, error) {
	t, ok := r.store.TenantByName(name)
	if !ok {
		return "", errors.TenantNotFound(name)
	}
	return t.ResourceID, nil
}

// ResolveNamespace returns the namespace resourceId for a human-readable
// name scoped to a tenant.
func (r *Resolver) ResolveNamespace(tenantResourceID, name string) (string, error) {
	n, ok := r.store.NamespaceByName(tenantResourceID, name)
	if !ok {
		return "", errors.NamespaceNotFound(name)
	}
	return n.ResourceID, nil
}
