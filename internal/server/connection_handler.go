package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/broker"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/config"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/logger"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
	pa "github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/packet"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/session"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/utils"
)

// ConnectionState 连接生命周期状态
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "CLOSED"
	}
}

// ConnectionHandler 一条TCP连接的读写协程对
// 读协程解析报文并分发到broker，写协程消费会话出站队列
type ConnectionHandler struct {
	conn      net.Conn
	connID    string
	broker    *broker.Broker
	session   *session.Session
	keepAlive time.Duration
	state     atomic.Int32

	// takenOver 同clientID的新连接接入时置位，会话归新连接所有
	takenOver atomic.Bool
	done      chan struct{}
	writerWG  sync.WaitGroup
}

func NewConnectionHandler(conn net.Conn, b *broker.Broker) *ConnectionHandler {
	return &ConnectionHandler{
		conn:   conn,
		connID: uuid.NewString()[:8],
		broker: b,
		done:   make(chan struct{}),
	}
}

func (c *ConnectionHandler) setState(state ConnectionState) {
	c.state.Store(int32(state))
	logger.DebugF("[%s] Connection state changed to %s", c.connID, state)
}

// handleFirstPacket 第一个报文必须是CONNECT，违反时不发送任何应答直接关闭
func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Minute))
	packet, err := mqtt.ReadPacket(c.conn)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connID, err)
		return err
	}

	if packet.Header.Type != mqtt.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet",
			c.connID, mqtt.CONNECT.String(), packet.Header.Type.String())
		return errInvalidFirstPacket
	}

	clientInfo, resp, err := pa.ParseConnectPacket(packet)
	if err != nil {
		// 协议版本不匹配时应答CONNACK后关闭，其余解析错误不应答
		if resp != nil {
			_ = send(c.conn, resp, c.connID)
		}
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.connID, err)
		return err
	}

	s, connack, err := c.broker.OnConnect(clientInfo)
	if err != nil {
		if connack != nil {
			_ = send(c.conn, connack, c.connID)
		}
		logger.WarnF("[%s] Connection rejected, details: %v", c.connID, err)
		return err
	}

	c.session = s
	s.Attach(func() {
		c.takenOver.Store(true)
		_ = c.conn.Close()
	})

	// CONNACK是出站队列的第一帧，写协程保证先于任何恢复投递发出
	if err := s.Queue().Push(connack, 1); err != nil {
		return err
	}
	if err := s.ResumePending(); err != nil {
		logger.WarnF("[%s] Fail to resume pending messages, details: %v", c.connID, err)
		return err
	}

	c.keepAlive = time.Duration(clientInfo.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		// 客户端未声明keep alive时套用服务端默认值，避免死连接常驻
		conf, _ := config.GetConfig()
		c.keepAlive = utils.ParseStringTime(conf.Broker.DefaultKeepAlive)
		logger.WarnF("[%s] Keep alive set to 0, using server default %v", c.connID, c.keepAlive)
	}

	logger.InfoF("[%s] Client %s connected", c.connID, s.ClientID)
	c.setState(StateConnected)
	return nil
}

// startWriter 启动写协程，独立消费会话的出站队列
func (c *ConnectionHandler) startWriter() {
	queue := c.session.Queue()
	c.writerWG.Add(1)
	go func() {
		defer c.writerWG.Done()
		for {
			select {
			case <-c.done:
				c.flush(queue)
				return
			case <-queue.Wake():
				if !c.flush(queue) {
					return
				}
				if queue.Closed() {
					c.flush(queue)
					return
				}
			}
		}
	}()
}

// flush 发送队列中的全部帧，写失败时关闭连接让读协程退出
func (c *ConnectionHandler) flush(queue *session.OutboundQueue) bool {
	for _, frame := range queue.Drain() {
		if err := send(c.conn, frame, c.connID); err != nil {
			_ = c.conn.Close()
			return false
		}
	}
	return true
}

// handlePacket 读循环，返回值表示是否收到DISCONNECT报文正常退出
func (c *ConnectionHandler) handlePacket() bool {
	for {
		if c.keepAlive != 0 {
			// 超过keep alive的1.5倍未收到任何报文视为失联
			_ = c.conn.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}

		packet, err := mqtt.ReadPacket(c.conn)
		if err != nil {
			if !c.takenOver.Load() {
				handleReadError(c.connID, err)
			}
			return false
		}

		c.session.Touch()
		logger.DebugF("[%s] Receive %s package", c.connID, packet.Header.Type)

		switch packet.Header.Type {
		case mqtt.CONNECT:
			// 重复的CONNECT是协议违规，不发送任何应答
			logger.ErrorF("[%s] Duplicate CONNECT package", c.connID)
			return false
		case mqtt.PUBLISH:
			payloads, err := pa.ParsePublishPacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to parse publish packet, details: %v", c.connID, err)
				return false
			}
			if err := c.broker.OnPublish(c.session, payloads); err != nil {
				logger.ErrorF("[%s] Fail to handle publish packet, details: %v", c.connID, err)
				return false
			}
		case mqtt.PUBACK:
			packetID, err := pa.ParseAckPacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to parse PUBACK packet, details: %v", c.connID, err)
				return false
			}
			c.broker.OnPubAck(c.session, packetID)
		case mqtt.PUBREC:
			packetID, err := pa.ParseAckPacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to parse PUBREC packet, details: %v", c.connID, err)
				return false
			}
			if err := c.broker.OnPubRec(c.session, packetID); err != nil {
				return false
			}
		case mqtt.PUBREL:
			packetID, err := pa.ParseAckPacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to parse PUBREL packet, details: %v", c.connID, err)
				return false
			}
			if err := c.broker.OnPubRel(c.session, packetID); err != nil {
				return false
			}
		case mqtt.PUBCOMP:
			packetID, err := pa.ParseAckPacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to parse PUBCOMP packet, details: %v", c.connID, err)
				return false
			}
			c.broker.OnPubComp(c.session, packetID)
		case mqtt.SUBSCRIBE:
			payloads, err := pa.ParseSubscribePacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to parse subscribe packet, details: %v", c.connID, err)
				return false
			}
			if err := c.broker.OnSubscribe(c.session, payloads); err != nil {
				logger.ErrorF("[%s] Fail to handle subscribe packet, details: %v", c.connID, err)
				return false
			}
		case mqtt.UNSUBSCRIBE:
			payloads, err := pa.ParseUnSubscribePacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to parse unsubscribe packet, details: %v", c.connID, err)
				return false
			}
			if err := c.broker.OnUnsubscribe(c.session, payloads); err != nil {
				logger.ErrorF("[%s] Fail to handle unsubscribe packet, details: %v", c.connID, err)
				return false
			}
		case mqtt.PINGREQ:
			if err := c.session.Queue().Push(pa.NewPingRespPacket(), 1); err != nil {
				logger.WarnF("[%s] Fail to enqueue PINGRESP packet, details: %v", c.connID, err)
				return false
			}
		case mqtt.DISCONNECT:
			logger.InfoF("[%s] Client disconnect", c.connID)
			return true
		default:
			// CONNACK/SUBACK等服务端报文来自客户端属于协议违规
			logger.WarnF("[%s] Unexpected %s package from client", c.connID, packet.Header.Type.String())
			return false
		}
	}
}

func (c *ConnectionHandler) handleConnection() {
	defer func() {
		logger.DebugF("[%s] Connection closed", c.connID)
		if err := c.conn.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID, err)
		}
		c.setState(StateClosed)
	}()

	if err := c.handleFirstPacket(); err != nil {
		return
	}

	c.startWriter()
	graceful := c.handlePacket()
	c.setState(StateDisconnecting)

	close(c.done)
	c.writerWG.Wait()

	// takeover时会话已归新连接所有，旧连接只负责关闭自己
	if !c.takenOver.Load() {
		c.broker.OnDisconnect(c.session, graceful)
	}
}
