// Package session 实现了会话状态管理：订阅集合、QoS1/2在途消息、出站队列
package session

import (
	"sync"
	"time"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/packet"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/store"
)

// Session 一个客户端的会话状态，由Manager独占管理
// CONNECT时创建，DISCONNECT或超时销毁（持久会话除外）
type Session struct {
	ClientID     string
	CleanSession bool

	mu            sync.Mutex
	subscriptions map[string]byte // 过滤器: 授予的QoS
	inflight      map[uint16]*Inflight
	incomingQoS2  map[uint16]struct{} // PUBLISH与PUBREL之间去重
	packetIDs     *PacketIDAllocator
	queue         *OutboundQueue
	will          *mqtt.Message
	connected     bool
	kick          func()
	lastActivity  time.Time
	policy        RetryPolicy
}

func newSession(clientID string, clean bool, queueSize int, policy RetryPolicy) *Session {
	return &Session{
		ClientID:      clientID,
		CleanSession:  clean,
		subscriptions: make(map[string]byte),
		inflight:      make(map[uint16]*Inflight),
		incomingQoS2:  make(map[uint16]struct{}),
		packetIDs:     NewPacketIDAllocator(),
		queue:         NewOutboundQueue(queueSize),
		policy:        policy,
		lastActivity:  time.Now(),
	}
}

// Attach 绑定新连接，kick用于last-connect-wins时强制关闭旧连接
func (s *Session) Attach(kick func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.kick = kick
	s.queue = NewOutboundQueue(s.queue.capacity)
	s.lastActivity = time.Now()
}

// Detach 解除连接绑定，出站队列关闭
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.kick = nil
	s.queue.Close()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Kick 强制关闭当前绑定的连接
func (s *Session) Kick() {
	s.mu.Lock()
	kick := s.kick
	s.mu.Unlock()
	if kick != nil {
		kick()
	}
}

// Queue 返回会话的出站队列，连接写协程消费
func (s *Session) Queue() *OutboundQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Touch 刷新最后活动时间
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetWill 记录遗嘱消息，异常断开时由broker发布
func (s *Session) SetWill(will *mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = will
}

// TakeWill 取走遗嘱消息，之后不再触发
func (s *Session) TakeWill() *mqtt.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	will := s.will
	s.will = nil
	return will
}

func (s *Session) AddSubscription(filter string, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return ok
}

// Subscriptions 返回订阅集合的副本
func (s *Session) Subscriptions() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]byte, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		result[filter] = qos
	}
	return result
}

func publishFrame(packetID uint16, message mqtt.Message, qos byte, dup bool, retain bool) []byte {
	return packet.NewPublishPacket(&packet.PublishPacketPayloads{
		PacketFlag: packet.PublishPacketFlag{DupFlag: dup, QoS: qos, Retain: retain},
		TopicName:  packet.FieldPayload{PayloadLength: len(message.Topic), Payload: []byte(message.Topic)},
		PacketID:   packetID,
		Payload:    message.Payload,
	})
}

// Deliver 向会话投递一条消息，实际QoS取消息QoS与授予QoS的较小值
// 只入队即返回；QoS≥1队列溢出时返回ErrQueueOverflow，调用方必须断开会话
func (s *Session) Deliver(message mqtt.Message, grantedQoS byte, retain bool) error {
	qos := message.QoS
	if grantedQoS < qos {
		qos = grantedQoS
	}

	if qos == 0 {
		s.mu.Lock()
		queue := s.queue
		connected := s.connected
		s.mu.Unlock()
		if !connected {
			// QoS0没有投递保证，离线会话直接丢弃
			return nil
		}
		return queue.Push(publishFrame(0, message, 0, false, retain), 0)
	}

	packetID := s.packetIDs.NextID()
	step := StepAwaitPubAck
	if qos == mqtt.QoSExactlyOnce {
		step = StepAwaitPubRec
	}

	s.mu.Lock()
	s.inflight[packetID] = &Inflight{
		PacketID: packetID,
		Message:  message,
		QoS:      qos,
		Step:     step,
		Deadline: time.Now().Add(s.policy.Interval),
	}
	queue := s.queue
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		// 离线持久会话只记录在途状态，重连后由ResumePending补投
		return nil
	}
	return queue.Push(publishFrame(packetID, message, qos, false, retain), qos)
}

// HandlePubAck 处理订阅端的PUBACK，完成QoS1投递
func (s *Session) HandlePubAck(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.inflight[packetID]
	if !ok || entry.Step != StepAwaitPubAck {
		return false
	}
	delete(s.inflight, packetID)
	s.packetIDs.ReleaseID(packetID)
	return true
}

// HandlePubRec 处理订阅端的PUBREC，进入QoS2第二阶段并返回PUBREL帧
func (s *Session) HandlePubRec(packetID uint16) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.inflight[packetID]
	if !ok || entry.Step != StepAwaitPubRec {
		return nil, false
	}
	entry.Step = StepAwaitPubComp
	entry.Retries = 0
	entry.Deadline = time.Now().Add(s.policy.Interval)
	return packet.NewPubRelPacket(packetID), true
}

// HandlePubComp 处理订阅端的PUBCOMP，完成QoS2投递
func (s *Session) HandlePubComp(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.inflight[packetID]
	if !ok || entry.Step != StepAwaitPubComp {
		return false
	}
	delete(s.inflight, packetID)
	s.packetIDs.ReleaseID(packetID)
	return true
}

// BeginIncomingQoS2 记录入站QoS2报文标识符，重复的PUBLISH返回false
func (s *Session) BeginIncomingQoS2(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incomingQoS2[packetID]; ok {
		return false
	}
	s.incomingQoS2[packetID] = struct{}{}
	return true
}

// FinishIncomingQoS2 收到PUBREL后清除去重记录
func (s *Session) FinishIncomingQoS2(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.incomingQoS2, packetID)
}

// DueRetransmissions 收集超时待重传的帧
// 只重传最后一个未确认的步骤；超过重试上限时返回broken=true
func (s *Session) DueRetransmissions(now time.Time) (frames [][]byte, broken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.inflight {
		if now.Before(entry.Deadline) {
			continue
		}
		if entry.Retries >= s.policy.MaxRetries {
			return nil, true
		}
		entry.Retries++
		entry.Deadline = now.Add(s.policy.backoff(entry.Retries))

		switch entry.Step {
		case StepAwaitPubAck, StepAwaitPubRec:
			frames = append(frames, publishFrame(entry.PacketID, entry.Message, entry.QoS, true, false))
		case StepAwaitPubComp:
			frames = append(frames, packet.NewPubRelPacket(entry.PacketID))
		}
	}
	return frames, false
}

// InflightCount 当前在途消息数
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// ResumePending 持久会话恢复后重新投递未完成的消息
func (s *Session) ResumePending() error {
	s.mu.Lock()
	entries := make([]*Inflight, 0, len(s.inflight))
	for _, entry := range s.inflight {
		entry.Retries = 0
		entry.Deadline = time.Now().Add(s.policy.Interval)
		entries = append(entries, entry)
	}
	queue := s.queue
	s.mu.Unlock()

	for _, entry := range entries {
		var frame []byte
		switch entry.Step {
		case StepAwaitPubAck, StepAwaitPubRec:
			frame = publishFrame(entry.PacketID, entry.Message, entry.QoS, true, false)
		case StepAwaitPubComp:
			frame = packet.NewPubRelPacket(entry.PacketID)
		}
		if err := queue.Push(frame, entry.QoS); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot 导出持久会话的落盘形态
func (s *Session) Snapshot() *store.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := &store.SessionRecord{
		ClientID:      s.ClientID,
		Subscriptions: make(map[string]byte, len(s.subscriptions)),
		Inflight:      make([]store.InflightRecord, 0, len(s.inflight)),
	}
	for filter, qos := range s.subscriptions {
		record.Subscriptions[filter] = qos
	}
	for _, entry := range s.inflight {
		record.Inflight = append(record.Inflight, store.InflightRecord{
			PacketID: entry.PacketID,
			Message:  entry.Message,
			QoS:      entry.QoS,
			Step:     byte(entry.Step),
		})
	}
	return record
}

// restore 从落盘形态恢复会话状态
func (s *Session) restore(record *store.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for filter, qos := range record.Subscriptions {
		s.subscriptions[filter] = qos
	}
	for _, entry := range record.Inflight {
		s.inflight[entry.PacketID] = &Inflight{
			PacketID: entry.PacketID,
			Message:  entry.Message,
			QoS:      entry.QoS,
			Step:     InflightStep(entry.Step),
			Deadline: time.Now().Add(s.policy.Interval),
		}
		s.packetIDs.Reserve(entry.PacketID)
	}
}
