package session

import (
	"errors"
	"sync"
	"time"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/logger"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/store"
)

// Manager 会话注册表，clientID唯一
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	store     store.SessionStore // 可为nil，此时持久会话只存活于进程内
	queueSize int
	policy    RetryPolicy

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// onBroken 会话超过重试上限时回调，由server层注入断开逻辑
	onBroken func(s *Session)
}

func NewManager(queueSize int, policy RetryPolicy, sessionStore store.SessionStore) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		store:     sessionStore,
		queueSize: queueSize,
		policy:    policy,
		stopCh:    make(chan struct{}),
	}
}

// SetBrokenHandler 注入会话损坏时的处理逻辑
func (m *Manager) SetBrokenHandler(handler func(s *Session)) {
	m.onBroken = handler
}

// Open 打开会话。同clientID已连接时踢掉旧连接（last-connect-wins）
// cleanSession为false且存在先前的持久会话时，恢复其订阅和在途消息
func (m *Manager) Open(clientID string, cleanSession bool) (*Session, bool) {
	m.mu.Lock()

	// 接管判定和注册表更新在同一临界区内完成，Kick移到解锁之后
	// 中途放锁会让并发的同clientID连接插入，留下无人持有的注册表项
	var kicked *Session
	if existing := m.sessions[clientID]; existing != nil && existing.Connected() {
		kicked = existing
	}

	s, present := m.openLocked(clientID, cleanSession)
	m.mu.Unlock()

	if kicked != nil {
		logger.InfoF("Session takeover for client %s, closing previous connection", clientID)
		kicked.Kick()
	}
	return s, present
}

func (m *Manager) openLocked(clientID string, cleanSession bool) (*Session, bool) {
	if cleanSession {
		delete(m.sessions, clientID)
		if m.store != nil {
			if err := m.store.DeleteSession(clientID); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.WarnF("Fail to delete persisted session for client %s, details: %v", clientID, err)
			}
		}
		s := newSession(clientID, true, m.queueSize, m.policy)
		m.sessions[clientID] = s
		return s, false
	}

	// 进程内保留的持久会话优先
	if existing := m.sessions[clientID]; existing != nil {
		existing.CleanSession = false
		return existing, true
	}

	s := newSession(clientID, false, m.queueSize, m.policy)
	if m.store != nil {
		record, err := m.store.GetSession(clientID)
		if err == nil {
			s.restore(record)
			m.sessions[clientID] = s
			return s, true
		}
		if !errors.Is(err, store.ErrNotFound) {
			logger.WarnF("Fail to load persisted session for client %s, details: %v", clientID, err)
		}
	}
	m.sessions[clientID] = s
	return s, false
}

// Get 查找会话
func (m *Manager) Get(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// Close 关闭会话。clean会话销毁全部状态，持久会话保留订阅和未完成的QoS≥1消息
func (m *Manager) Close(s *Session) {
	s.Detach()

	if s.CleanSession {
		m.mu.Lock()
		// takeover后注册表可能已指向新会话，只移除自己
		if m.sessions[s.ClientID] == s {
			delete(m.sessions, s.ClientID)
		}
		m.mu.Unlock()
		return
	}

	if m.store != nil {
		if err := m.store.SaveSession(s.Snapshot()); err != nil {
			logger.ErrorF("Fail to persist session for client %s, details: %v", s.ClientID, err)
		}
	}
}

// Remove 彻底销毁会话，重试超限的损坏会话走此路径
func (m *Manager) Remove(s *Session) {
	s.Detach()
	m.mu.Lock()
	if m.sessions[s.ClientID] == s {
		delete(m.sessions, s.ClientID)
	}
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.DeleteSession(s.ClientID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.WarnF("Fail to delete persisted session for client %s, details: %v", s.ClientID, err)
		}
	}
}

func (m *Manager) connectedSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Connected() {
			result = append(result, s)
		}
	}
	return result
}

// StartRetryLoop 启动QoS1/2重传扫描协程
func (m *Manager) StartRetryLoop(scanInterval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case now := <-ticker.C:
				m.scanRetries(now)
			}
		}
	}()
}

func (m *Manager) scanRetries(now time.Time) {
	for _, s := range m.connectedSessions() {
		frames, broken := s.DueRetransmissions(now)
		if broken {
			logger.WarnF("Session %s exceeded retry limit (idle %v), closing",
				s.ClientID, now.Sub(s.LastActivity()).Round(time.Second))
			s.Kick()
			if m.onBroken != nil {
				m.onBroken(s)
			}
			continue
		}
		for _, frame := range frames {
			logger.DebugF("Retransmitting frame to client %s", s.ClientID)
			if err := s.Queue().Push(frame, 1); err != nil {
				logger.WarnF("Fail to enqueue retransmission for client %s, details: %v", s.ClientID, err)
				s.Kick()
				break
			}
		}
	}
}

// Shutdown 停止重传扫描并踢掉所有连接
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	for _, s := range m.connectedSessions() {
		s.Kick()
	}
}
