// Package broker 实现了报文分发核心：连接接入、发布扇出、订阅管理
package broker

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/auth"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/logger"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/packet"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/session"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/store"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/topic"
)

// ErrConnectRejected CONNACK返回码非Accepted时返回，连接必须关闭
var ErrConnectRejected = errors.New("connection rejected")

type Broker struct {
	sessions      *session.Manager
	tree          *topic.Tree
	retained      store.RetainedStore
	authenticator auth.Authenticator
}

func NewBroker(sessions *session.Manager, retained store.RetainedStore, authenticator auth.Authenticator) *Broker {
	b := &Broker{
		sessions:      sessions,
		tree:          topic.NewTree(),
		retained:      retained,
		authenticator: authenticator,
	}
	// 损坏的会话（重试超限）被彻底销毁
	sessions.SetBrokenHandler(func(s *session.Session) {
		b.dropSession(s)
	})
	return b
}

// Sessions 返回会话管理器
func (b *Broker) Sessions() *session.Manager {
	return b.sessions
}

// OnConnect 处理CONNECT报文，返回会话和CONNACK帧
// 返回ErrConnectRejected时CONNACK仍需发送，之后连接关闭
func (b *Broker) OnConnect(info *packet.ConnectPacketPayloads) (*session.Session, []byte, error) {
	clientID := info.ClientIdentifier.String()

	if clientID == "" {
		// 空clientID只允许clean session，由broker分配随机标识
		if !info.ConnectFlag.CleanSession {
			return nil, packet.NewConnectAckPacket(false, packet.IdentifierRejected), ErrConnectRejected
		}
		clientID = "auto-" + uuid.NewString()
	}

	// 遗嘱主题违规属于协议错误，直接关闭且不发送CONNACK
	if info.ConnectFlag.WillFlag && !topic.ValidTopicName(info.WillMessageTopic.String()) {
		return nil, nil, &mqtt.MalformedPacketError{Reason: "will topic must be a valid topic name"}
	}

	if !b.authenticator.Authenticate(clientID, info.UsernamePayload.String(), info.PasswordPayload.Payload) {
		return nil, packet.NewConnectAckPacket(false, packet.AuthenticationFailed), ErrConnectRejected
	}

	// takeover视为旧连接异常断开，其遗嘱照常发布
	if old, ok := b.sessions.Get(clientID); ok && old.Connected() {
		if will := old.TakeWill(); will != nil {
			b.publish(*will)
		}
	}

	s, sessionPresent := b.sessions.Open(clientID, info.ConnectFlag.CleanSession)

	// 全新会话不继承前任遗留的路由表项
	if !sessionPresent {
		b.tree.RemoveClient(clientID)
	}

	// 恢复的持久会话重新挂载到订阅树
	for filter, qos := range s.Subscriptions() {
		parsed, err := topic.ParseFilter(filter)
		if err != nil {
			logger.WarnF("Dropping invalid persisted filter %q for client %s", filter, clientID)
			s.RemoveSubscription(filter)
			continue
		}
		b.tree.Subscribe(parsed, clientID, qos)
	}

	if info.ConnectFlag.WillFlag {
		s.SetWill(&mqtt.Message{
			Topic:   info.WillMessageTopic.String(),
			Payload: info.WillMessageContent.Payload,
			QoS:     info.ConnectFlag.WillQoS,
			Retain:  info.ConnectFlag.WillRetainFlag,
		})
	}

	return s, packet.NewConnectAckPacket(sessionPresent, packet.Accepted), nil
}

// OnPublish 处理PUBLISH报文：保留消息存取、QoS2去重、扇出
// 对发布方的确认独立于订阅方投递完成（逐跳QoS语义）
func (b *Broker) OnPublish(s *session.Session, payloads *packet.PublishPacketPayloads) error {
	message := mqtt.Message{
		Topic:   payloads.TopicName.String(),
		Payload: payloads.Payload,
		QoS:     payloads.PacketFlag.QoS,
		Retain:  payloads.PacketFlag.Retain,
	}

	switch payloads.PacketFlag.QoS {
	case mqtt.QoSAtMostOnce:
		b.publish(message)
		return nil
	case mqtt.QoSAtLeastOnce:
		b.publish(message)
		return b.respond(s, packet.NewPubAckPacket(payloads.PacketID))
	default:
		// QoS2：首个PUBLISH即扇出，PUBREL之前的重复PUBLISH去重
		if s.BeginIncomingQoS2(payloads.PacketID) {
			b.publish(message)
		}
		return b.respond(s, packet.NewPubRecPacket(payloads.PacketID))
	}
}

// OnPubRel 处理发布端的PUBREL，结束入站QoS2去重窗口
func (b *Broker) OnPubRel(s *session.Session, packetID uint16) error {
	s.FinishIncomingQoS2(packetID)
	return b.respond(s, packet.NewPubCompPacket(packetID))
}

// OnPubAck 处理订阅端的PUBACK
func (b *Broker) OnPubAck(s *session.Session, packetID uint16) {
	if !s.HandlePubAck(packetID) {
		logger.DebugF("Client %s acked unknown packet ID %d", s.ClientID, packetID)
	}
}

// OnPubRec 处理订阅端的PUBREC并应答PUBREL
func (b *Broker) OnPubRec(s *session.Session, packetID uint16) error {
	pubrel, ok := s.HandlePubRec(packetID)
	if !ok {
		logger.DebugF("Client %s sent PUBREC for unknown packet ID %d", s.ClientID, packetID)
		return nil
	}
	return b.respond(s, pubrel)
}

// OnPubComp 处理订阅端的PUBCOMP
func (b *Broker) OnPubComp(s *session.Session, packetID uint16) {
	if !s.HandlePubComp(packetID) {
		logger.DebugF("Client %s sent PUBCOMP for unknown packet ID %d", s.ClientID, packetID)
	}
}

// OnSubscribe 处理SUBSCRIBE报文
// 非法过滤器只影响自身的返回码，其余过滤器继续处理；SUBACK之后立即投递匹配的保留消息
func (b *Broker) OnSubscribe(s *session.Session, payloads *packet.SubscribePacketPayloads) error {
	states := make([]packet.SubscribeState, len(payloads.Subscriptions))
	granted := make([]*topic.Filter, len(payloads.Subscriptions))

	for i, request := range payloads.Subscriptions {
		parsed, err := topic.ParseFilter(request.TopicFilter)
		if err != nil {
			logger.WarnF("Client %s sent invalid topic filter %q: %v", s.ClientID, request.TopicFilter, err)
			states[i] = packet.Failure
			continue
		}
		b.tree.Subscribe(parsed, s.ClientID, request.QoSLevel)
		s.AddSubscription(request.TopicFilter, request.QoSLevel)
		states[i] = packet.SubscribeState(request.QoSLevel)
		granted[i] = &parsed
	}

	if err := b.respond(s, packet.NewSubAckPacket(payloads.PacketID, states)); err != nil {
		return err
	}

	// 每个新授予的过滤器投递一次匹配的保留消息
	for i, filter := range granted {
		if filter == nil {
			continue
		}
		b.deliverRetained(s, *filter, payloads.Subscriptions[i].QoSLevel)
	}
	return nil
}

func (b *Broker) deliverRetained(s *session.Session, filter topic.Filter, grantedQoS byte) {
	messages, err := b.retained.AllRetained()
	if err != nil {
		logger.ErrorF("Fail to load retained messages, details: %v", err)
		return
	}
	for _, message := range messages {
		if !filter.Match(message.Topic) {
			continue
		}
		if err := s.Deliver(message, grantedQoS, true); err != nil {
			logger.WarnF("Fail to deliver retained message to client %s, details: %v", s.ClientID, err)
			b.disconnectLagging(s)
			return
		}
	}
}

// OnUnsubscribe 处理UNSUBSCRIBE报文
func (b *Broker) OnUnsubscribe(s *session.Session, payloads *packet.UnSubscribePacketPayloads) error {
	for _, raw := range payloads.TopicFilters {
		parsed, err := topic.ParseFilter(raw)
		if err == nil {
			b.tree.Unsubscribe(parsed, s.ClientID)
		}
		s.RemoveSubscription(raw)
	}
	return b.respond(s, packet.NewUnSubAckPacket(payloads.PacketID))
}

// OnDisconnect 处理连接结束
// graceful为true表示收到DISCONNECT报文，遗嘱被丢弃；否则遗嘱走正常扇出
func (b *Broker) OnDisconnect(s *session.Session, graceful bool) {
	will := s.TakeWill()
	if !graceful && will != nil {
		b.publish(*will)
	}

	if s.CleanSession {
		b.tree.RemoveClient(s.ClientID)
	}
	b.sessions.Close(s)
}

// dropSession 彻底销毁会话及其订阅
func (b *Broker) dropSession(s *session.Session) {
	b.tree.RemoveClient(s.ClientID)
	b.sessions.Remove(s)
}

// publish 保留消息处理 + 扇出，PUBLISH和遗嘱消息共用
func (b *Broker) publish(message mqtt.Message) {
	if message.Retain {
		if len(message.Payload) == 0 {
			// 空负载的保留发布清除该主题的保留消息
			if err := b.retained.DeleteRetained(message.Topic); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.ErrorF("Fail to clear retained message for topic %s, details: %v", message.Topic, err)
			}
		} else {
			retainedCopy := message
			if err := b.retained.SaveRetained(&retainedCopy); err != nil {
				logger.ErrorF("Fail to save retained message for topic %s, details: %v", message.Topic, err)
			}
		}
	}

	b.fanout(message)
}

// fanout 将消息入队到所有匹配的会话
// 同一会话匹配多个过滤器时去重，按授予QoS的最大值投递一次
func (b *Broker) fanout(message mqtt.Message) {
	matches := b.tree.Match(message.Topic)
	if len(matches) == 0 {
		return
	}

	best := make(map[string]byte, len(matches))
	for _, sub := range matches {
		if qos, ok := best[sub.ClientID]; !ok || sub.QoSLevel > qos {
			best[sub.ClientID] = sub.QoSLevel
		}
	}

	// 转发时retain标志清零，保留语义只对新订阅者生效
	outbound := message
	outbound.Retain = false

	for clientID, grantedQoS := range best {
		target, ok := b.sessions.Get(clientID)
		if !ok {
			continue
		}
		if err := target.Deliver(outbound, grantedQoS, false); err != nil {
			logger.WarnF("Fail to deliver message to client %s, details: %v", clientID, err)
			b.disconnectLagging(target)
		}
	}
}

// disconnectLagging QoS≥1队列溢出时断开落后的订阅者，而不是默默违反投递保证
func (b *Broker) disconnectLagging(s *session.Session) {
	logger.WarnF("Outbound queue overflow for client %s, disconnecting", s.ClientID)
	s.Kick()
}

// respond 向会话入队一帧协议应答
func (b *Broker) respond(s *session.Session, frame []byte) error {
	if err := s.Queue().Push(frame, 1); err != nil {
		return fmt.Errorf("unable to enqueue response for client %s: %w", s.ClientID, err)
	}
	return nil
}
