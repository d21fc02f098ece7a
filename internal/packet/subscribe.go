package packet

import (
	"fmt"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// SubscribeState SUBACK中每个过滤器的返回码
type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

// SubscriptionRequest SUBSCRIBE负载中的一个订阅请求
type SubscriptionRequest struct {
	TopicFilter string
	QoSLevel    byte
}

// SubscribePacketPayloads SUBSCRIBE控制包的可变头和负载
type SubscribePacketPayloads struct {
	PacketID      uint16
	Subscriptions []SubscriptionRequest
}

// NewSubAckPacket 构造SUBACK报文，每个过滤器一个返回码
func NewSubAckPacket(packetID uint16, states []SubscribeState) []byte {
	payload := make([]byte, 0, 2+len(states))
	payload = append(payload, mqtt.UInt16ToByte(packetID)...)
	for _, state := range states {
		payload = append(payload, byte(state))
	}
	return mqtt.NewPacketBytes(mqtt.SUBACK, 0x00, payload)
}

// ParseSubscribePacket 解析SUBSCRIBE控制包
func ParseSubscribePacket(packet *mqtt.Packet) (*SubscribePacketPayloads, error) {
	result := &SubscribePacketPayloads{
		Subscriptions: make([]SubscriptionRequest, 0),
	}

	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return result, fmt.Errorf("error occured when reading packet ID, details: %w", err)
	}
	if packetID == 0 {
		return result, &mqtt.MalformedPacketError{Reason: "packet ID must be non-zero"}
	}
	result.PacketID = packetID

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketString(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading topic filter, details: %w", err)
		}
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading qos level, details: %w", err)
		}
		if qos&0xFC != 0 {
			return result, &mqtt.MalformedPacketError{Reason: "reserved bits of requested QoS must be 0"}
		}
		if !mqtt.ValidQoS(qos) {
			return result, &mqtt.MalformedPacketError{Reason: "requested QoS must not be 3"}
		}
		result.Subscriptions = append(result.Subscriptions, SubscriptionRequest{
			TopicFilter: string(topicFilter.Payload),
			QoSLevel:    qos,
		})
	}

	// 协议要求负载中至少包含一个过滤器
	if len(result.Subscriptions) == 0 {
		return result, &mqtt.MalformedPacketError{Reason: "SUBSCRIBE packet must contain at least one topic filter"}
	}

	return result, nil
}
