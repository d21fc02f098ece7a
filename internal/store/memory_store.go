package store

import (
	"sync"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// MemoryStore 内存存储，会话与保留消息随进程消失
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	retained map[string]*mqtt.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		retained: make(map[string]*mqtt.Message),
	}
}

func (ms *MemoryStore) GetSession(clientID string) (*SessionRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	record, ok := ms.sessions[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

func (ms *MemoryStore) SaveSession(record *SessionRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[record.ClientID] = record
	return nil
}

func (ms *MemoryStore) DeleteSession(clientID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	return nil
}

func (ms *MemoryStore) GetRetained(topic string) (*mqtt.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	message, ok := ms.retained[topic]
	if !ok {
		return nil, ErrNotFound
	}
	return message, nil
}

func (ms *MemoryStore) AllRetained() ([]mqtt.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]mqtt.Message, 0, len(ms.retained))
	for _, message := range ms.retained {
		result = append(result, *message)
	}
	return result, nil
}

func (ms *MemoryStore) SaveRetained(message *mqtt.Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.retained[message.Topic] = message
	return nil
}

func (ms *MemoryStore) DeleteRetained(topic string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.retained, topic)
	return nil
}
