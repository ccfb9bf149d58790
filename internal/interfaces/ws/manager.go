package ws

import (
	"sync"
)

// Manager 按故事维护活跃会话连接
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{} // storyID → sessions
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]map[*Session]struct{}),
	}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.storyID] == nil {
		m.sessions[s.storyID] = make(map[*Session]struct{})
	}
	m.sessions[s.storyID][s] = struct{}{}
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sessions[s.storyID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.sessions, s.storyID)
		}
	}
}

// Broadcast 向故事的所有连接发送消息；每个连接各自盖序号。
// 发给指针消息会让序号写入共享对象，因此为每个连接克隆一份。
func (m *Manager) Broadcast(storyID string, build func() sequenced) {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions[storyID]))
	for s := range m.sessions[storyID] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.Send(build())
	}
}

// SessionCount 故事当前的连接数
func (m *Manager) SessionCount(storyID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[storyID])
}
