package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and DSN-less development runs; production deployments use the
// PostgreSQL store.
type InMemory struct {
	mu       sync.RWMutex
	users    map[string]*User
	sessions map[string]*Session
	audit    []*AuditEntry
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
	}
}

func (m *InMemory) Users() UserStore       { return (*memUsers)(m) }
func (m *InMemory) Sessions() SessionStore { return (*memSessions)(m) }
func (m *InMemory) Audit() AuditStore      { return (*memAudit)(m) }

func (m *InMemory) appendLocked(entry *AuditEntry) {
	if entry == nil {
		return
	}
	cp := *entry
	m.audit = append(m.audit, &cp)
}

// AuditEntries returns a snapshot of everything recorded so far.
func (m *InMemory) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

type memUsers InMemory

func (m *memUsers) Create(ctx context.Context, u *User, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	(*InMemory)(m).appendLocked(entry)
	return nil
}

func (m *memUsers) Find(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) UpdateProfile(ctx context.Context, u *User, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	existing.FirstName = u.FirstName
	existing.LastName = u.LastName
	existing.IsVerified = u.IsVerified
	existing.UpdatedAt = u.UpdatedAt
	(*InMemory)(m).appendLocked(entry)
	return nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, userID, passwordHash string, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	(*InMemory)(m).appendLocked(entry)
	return nil
}

func (m *memUsers) Deactivate(ctx context.Context, userID string, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsActive = false
	(*InMemory)(m).appendLocked(entry)
	return nil
}

type memSessions InMemory

func (m *memSessions) Create(ctx context.Context, s *Session, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return ErrConflict
	}
	cp := *s
	m.sessions[s.ID] = &cp
	(*InMemory)(m).appendLocked(entry)
	return nil
}

func (m *memSessions) Find(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Claim(ctx context.Context, id, replacedByID string, at time.Time, entry *AuditEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil {
		return false, nil
	}
	t := at
	s.RevokedAt = &t
	s.ReplacedByID = replacedByID
	(*InMemory)(m).appendLocked(entry)
	return true, nil
}

func (m *memSessions) Revoke(ctx context.Context, id string, at time.Time, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil {
		return nil
	}
	t := at
	s.RevokedAt = &t
	(*InMemory)(m).appendLocked(entry)
	return nil
}

func (m *memSessions) RevokeAllForUser(ctx context.Context, userID string, at time.Time, entry *AuditEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			t := at
			s.RevokedAt = &t
			n++
		}
	}
	(*InMemory)(m).appendLocked(entry)
	return n, nil
}

func (m *memSessions) ListActive(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Live(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memAudit InMemory

func (m *memAudit) Append(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	(*InMemory)(m).appendLocked(entry)
	return nil
}

func (m *memAudit) List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range m.audit {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Resource != "" && !strings.EqualFold(e.Resource, f.Resource) {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
