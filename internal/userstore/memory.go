package userstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clank08/govern"
)

// Memory is a process-local user store.
type Memory struct {
	mu           sync.RWMutex
	bySubject    map[string]*govern.UserRecord
	byIdentifier map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		bySubject:    make(map[string]*govern.UserRecord),
		byIdentifier: make(map[string]string),
	}
}

// Create registers identifier with an already hashed password and returns
// the new record with a generated subject.
func (m *Memory) Create(_ context.Context, identifier, passwordHash string) (govern.UserRecord, error) {
	id := NormalizeIdentifier(identifier)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIdentifier[id]; ok {
		return govern.UserRecord{}, ErrConflict
	}
	rec := &govern.UserRecord{
		Subject:      uuid.NewString(),
		Identifier:   id,
		PasswordHash: passwordHash,
	}
	m.bySubject[rec.Subject] = rec
	m.byIdentifier[id] = rec.Subject
	return *rec, nil
}

func (m *Memory) GetUserByIdentifier(_ context.Context, identifier string) (govern.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subject, ok := m.byIdentifier[NormalizeIdentifier(identifier)]
	if !ok {
		return govern.UserRecord{}, govern.ErrUserNotFound
	}
	return *m.bySubject[subject], nil
}

func (m *Memory) GetUserBySubject(_ context.Context, subject string) (govern.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.bySubject[subject]
	if !ok {
		return govern.UserRecord{}, govern.ErrUserNotFound
	}
	return *rec, nil
}

func (m *Memory) UpdatePasswordHash(_ context.Context, subject, hash string, changedAt time.Time) error {
	return m.update(subject, func(rec *govern.UserRecord) {
		rec.PasswordHash = hash
		rec.PasswordChangedAt = changedAt
	})
}

func (m *Memory) UpgradePasswordHash(_ context.Context, subject, hash string) error {
	return m.update(subject, func(rec *govern.UserRecord) {
		rec.PasswordHash = hash
	})
}

// SetLocked sets or clears the administrative lock.
func (m *Memory) SetLocked(_ context.Context, subject string, locked bool) error {
	return m.update(subject, func(rec *govern.UserRecord) {
		rec.Locked = locked
	})
}

func (m *Memory) update(subject string, fn func(*govern.UserRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.bySubject[subject]
	if !ok {
		return govern.ErrUserNotFound
	}
	fn(rec)
	return nil
}
