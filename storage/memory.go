package storage

import (
	"log"
	"sync"
	"time"
)

const maxTokens = 20000

type MemoryStorage struct {
	conversations map[string]*Conversation
	mutex         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*Conversation),
	}
}

// GetHistory returns a snapshot, so callers never alias the conversation
// that AppendMessage keeps mutating under the write lock.
func (m *MemoryStorage) GetHistory(sessionId string) (*Conversation, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	conversation, ok := m.conversations[sessionId]
	if !ok {
		return nil, nil
	}
	snapshot := *conversation
	snapshot.Messages = append([]Message(nil), conversation.Messages...)
	return &snapshot, nil
}

func (m *MemoryStorage) AppendMessage(sessionId string, message Message) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	message.Tokens = len([]rune(message.Content))
	message.Timestamp = time.Now()

	if conversation, ok := m.conversations[sessionId]; ok {
		conversation.Tokens += message.Tokens

		// Remove old messages if over token limit
		for conversation.Tokens > maxTokens && len(conversation.Messages) > 0 {
			log.Printf("MemoryStorage: removing message from history of session %s", sessionId)
			tokensToRemove := conversation.Messages[0].Tokens
			conversation.Messages = conversation.Messages[1:]
			conversation.Tokens -= tokensToRemove
		}

		conversation.Messages = append(conversation.Messages, message)
		conversation.UpdatedAt = time.Now()
	} else {
		m.conversations[sessionId] = &Conversation{
			SessionId: sessionId,
			Messages:  []Message{message},
			Tokens:    message.Tokens,
			UpdatedAt: time.Now(),
		}
	}
	return nil
}

func (m *MemoryStorage) ClearHistory(sessionId string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.conversations, sessionId)
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
