// Package store 定义会话与保留消息的持久化接口
// 基线实现为内存存储，MongoDB实现作为可插拔的持久化协作方
package store

import (
	"errors"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

var ErrNotFound = errors.New("record does not exist")

// InflightRecord 一条未完成投递的QoS1/2消息
type InflightRecord struct {
	PacketID uint16       `bson:"packet_id"`
	Message  mqtt.Message `bson:"message"`
	QoS      byte         `bson:"qos"` // 实际投递的QoS
	Step     byte         `bson:"step"`
}

// SessionRecord 持久会话的落盘形态
type SessionRecord struct {
	ClientID      string           `bson:"client_id"`
	Subscriptions map[string]byte  `bson:"subscriptions"` // 过滤器: QoS
	Inflight      []InflightRecord `bson:"inflight"`      // 未确认的 QoS 1/2 消息
}

// SessionStore 按clientID存取持久会话
type SessionStore interface {
	GetSession(clientID string) (*SessionRecord, error)
	SaveSession(record *SessionRecord) error
	DeleteSession(clientID string) error
}

// RetainedStore 按主题存取保留消息
type RetainedStore interface {
	GetRetained(topic string) (*mqtt.Message, error)
	AllRetained() ([]mqtt.Message, error)
	SaveRetained(message *mqtt.Message) error
	DeleteRetained(topic string) error
}
