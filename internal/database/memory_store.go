package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
)

// MemoryStore 是进程内的 InflightStore，未配置数据库时使用
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]*InflightDocument
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{documents: make(map[string]*InflightDocument)}
}

func (ms *MemoryStore) Load(_ context.Context, clientID string) (*InflightDocument, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	document, ok := ms.documents[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client_id=%s", ErrNotFound, clientID)
	}
	return cloneDocument(document), nil
}

func (ms *MemoryStore) Save(_ context.Context, document *InflightDocument) error {
	if document.ClientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.documents[document.ClientID] = cloneDocument(document)
	logger.DebugF("Inflight saved in memory: client_id=%s, outgoing=%d, incoming=%d",
		document.ClientID, len(document.Outgoing), len(document.Incoming))
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.documents, clientID)
	return nil
}

func cloneDocument(document *InflightDocument) *InflightDocument {
	clone := *document
	clone.Outgoing = append([]InflightRecord(nil), document.Outgoing...)
	clone.Incoming = append([]InflightRecord(nil), document.Incoming...)
	return &clone
}
