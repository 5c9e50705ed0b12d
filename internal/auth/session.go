package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/go-redis/redis/v8"
)

// Session is the record created on a successful /auth/login and destroyed
// on /auth/logout.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TenantID  string    `json:"tenantId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStore is the collaborator the Authenticator uses to create, look
// up, and destroy sessions. The default backend is an in-process map;
// RedisSessionStore is an alternate backend selected via
// AuthConfig.SessionBackend for deployments that run more than one
// instance.
type SessionStore interface {
	Create(ctx context.Context, userID, tenantID string, ttl time.Duration) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	SwitchTenant(ctx context.Context, id, tenantID string, ttl time.Duration) error
}

// MemorySessionStore is an in-memory sessionId -> Session map. Expired
// sessions are evicted lazily on Get.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	expires  map[string]time.Time
}

// NewMemorySessionStore builds an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
		expires:  make(map[string]time.Time),
	}
}

func (s *MemorySessionStore) Create(ctx context.Context, userID, tenantID string, ttl time.Duration) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	if ttl > 0 {
		s.expires[sess.ID] = time.Now().Add(ttl)
	}
	return sess, nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("auth: session %q not found", id)
	}
	if exp, hasExp := s.expires[id]; hasExp && time.Now().After(exp) {
		delete(s.sessions, id)
		delete(s.expires, id)
		return nil, fmt.Errorf("auth: session %q expired", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.expires, id)
	return nil
}

func (s *MemorySessionStore) SwitchTenant(ctx context.Context, id, tenantID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("auth: session %q not found", id)
	}
	sess.TenantID = tenantID
	if ttl > 0 {
		s.expires[id] = time.Now().Add(ttl)
	}
	return nil
}

// RedisSessionStore backs sessions with go-redis. Chosen when
// AuthConfig.SessionBackend == "redis" so more than one eventhubd instance
// can share a session table.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore builds a RedisSessionStore against addr (host:port).
func NewRedisSessionStore(addr string) *RedisSessionStore {
	return &RedisSessionStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "eventhub:session:",
	}
}

func (s *RedisSessionStore) key(id string) string { return s.prefix + id }

func (s *RedisSessionStore) Create(ctx context.Context, userID, tenantID string, ttl time.Duration) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.put(ctx, sess, ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *RedisSessionStore) put(ctx context.Context, sess *Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("auth: encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("auth: redis set session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("auth: session %q not found: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("auth: decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *RedisSessionStore) SwitchTenant(ctx context.Context, id, tenantID string, ttl time.Duration) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.TenantID = tenantID
	return s.put(ctx, sess, ttl)
}
