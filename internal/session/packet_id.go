package session

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

var ErrNoPacketID = errors.New("all packet ids are in use")

const maxPacketIDs = 1<<16 - 1

// PacketIDManager 分配非零的 16 位报文标识，优先复用已释放的标识
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	released  []uint16
	inUse     map[uint16]struct{}
	count     atomic.Int32
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1, // 起始值为1
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 优先使用已释放的ID
	for len(m.released) > 0 {
		id := m.released[0]
		m.released = m.released[1:]
		if _, used := m.inUse[id]; !used {
			m.take(id)
			return id, nil
		}
	}

	if len(m.inUse) >= maxPacketIDs {
		return 0, ErrNoPacketID
	}
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, used := m.inUse[id]; !used {
			m.take(id)
			return id, nil
		}
	}
}

// MarkInUse 占用 id，例如从存储恢复的记录
func (m *PacketIDManager) MarkInUse(id uint16) error {
	if id == 0 {
		return fmt.Errorf("packet id 0 is reserved")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.inUse[id]; used {
		return fmt.Errorf("packet id %d already in use", id)
	}
	m.take(id)
	return nil
}

// ReleaseID 释放ID（收到确认后调用），未分配的ID被忽略
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.inUse[id]; !used {
		return
	}
	delete(m.inUse, id)
	m.count.Dec()
	m.released = append(m.released, id)
}

// InUse 返回当前已分配的ID数量
func (m *PacketIDManager) InUse() int {
	return int(m.count.Load())
}

func (m *PacketIDManager) take(id uint16) {
	m.inUse[id] = struct{}{}
	m.count.Inc()
}
