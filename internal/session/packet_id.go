package session

import "sync"

// PacketIDAllocator 每个会话独立的报文标识符分配器
type PacketIDAllocator struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
}

func NewPacketIDAllocator() *PacketIDAllocator {
	return &PacketIDAllocator{
		currentID: 1, // 起始值为1
		released:  make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID
func (m *PacketIDAllocator) NextID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 优先使用已释放的ID
	for id := range m.released {
		delete(m.released, id)
		return id
	}

	// 分配新ID
	id := m.currentID
	m.currentID++
	if m.currentID == 0 { // 溢出处理
		m.currentID = 1
	}
	return id
}

// ReleaseID 释放ID（收到确认后调用）
func (m *PacketIDAllocator) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released[id] = struct{}{}
}

// Reserve 标记一个ID为占用状态（恢复持久会话时使用）
func (m *PacketIDAllocator) Reserve(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.released, id)
	if id >= m.currentID {
		m.currentID = id + 1
		if m.currentID == 0 {
			m.currentID = 1
		}
	}
}
