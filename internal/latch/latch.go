// Package latch guards a message send so that one sender cannot have two sends in flight
// for the same conversation.
package latch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Latch is a non-blocking try-lock keyed by string. A successful TryAcquire returns a token
// that identifies this holder; Release only frees the key while it still carries that token.
type Latch interface {
	// TryAcquire reports false, without waiting, when key is already held.
	TryAcquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Key builds the latch key for a sender in a conversation.
func Key(conversationID, senderID string) string {
	return "send:" + conversationID + ":" + senderID
}

// Memory is a process-local Latch.
type Memory struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]string)}
}

func (m *Memory) TryAcquire(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[key] = token
	return token, true, nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	return nil
}

var _ Latch = (*Memory)(nil)
