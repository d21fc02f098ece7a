package packet

import (
	"fmt"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// UnSubscribePacketPayloads UNSUBSCRIBE控制包的可变头和负载
type UnSubscribePacketPayloads struct {
	PacketID     uint16
	TopicFilters []string
}

// NewUnSubAckPacket 构造UNSUBACK报文
func NewUnSubAckPacket(packetID uint16) []byte {
	return mqtt.NewPacketBytes(mqtt.UNSUBACK, 0x00, mqtt.UInt16ToByte(packetID))
}

// ParseUnSubscribePacket 解析UNSUBSCRIBE控制包
func ParseUnSubscribePacket(packet *mqtt.Packet) (*UnSubscribePacketPayloads, error) {
	result := &UnSubscribePacketPayloads{
		TopicFilters: make([]string, 0),
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
		result.TopicFilters = append(result.TopicFilters, string(topicFilter.Payload))
	}

	if len(result.TopicFilters) == 0 {
		return result, &mqtt.MalformedPacketError{Reason: "UNSUBSCRIBE packet must contain at least one topic filter"}
	}

	return result, nil
}
