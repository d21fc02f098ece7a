package packet

import (
	"fmt"
	"strings"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// PublishPacketFlag PUBLISH控制包标志位
type PublishPacketFlag struct {
	DupFlag bool
	QoS     byte
	Retain  bool
}

// PublishPacketPayloads PUBLISH控制包的可变头和负载
type PublishPacketPayloads struct {
	PacketFlag PublishPacketFlag
	TopicName  FieldPayload
	PacketID   uint16
	Payload    []byte
}

// NewPublishPacket 构造PUBLISH报文
func NewPublishPacket(packetPayloads *PublishPacketPayloads) []byte {
	var flags byte
	if packetPayloads.PacketFlag.DupFlag {
		flags |= 0x08
	}
	flags |= packetPayloads.PacketFlag.QoS << 1
	if packetPayloads.PacketFlag.Retain {
		flags |= 0x01
	}

	payload := make([]byte, 0, 4+packetPayloads.TopicName.PayloadLength+len(packetPayloads.Payload))
	payload = append(payload, mqtt.UInt16ToByte(uint16(packetPayloads.TopicName.PayloadLength))...)
	payload = append(payload, packetPayloads.TopicName.Payload...)
	if packetPayloads.PacketFlag.QoS > 0 {
		payload = append(payload, mqtt.UInt16ToByte(packetPayloads.PacketID)...)
	}
	payload = append(payload, packetPayloads.Payload...)
	return mqtt.NewPacketBytes(mqtt.PUBLISH, flags, payload)
}

// ParsePublishPacket 解析PUBLISH控制包
func ParsePublishPacket(packet *mqtt.Packet) (*PublishPacketPayloads, error) {
	result := &PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{
			DupFlag: (packet.Header.Flags&0x08)>>3 == 1,
			QoS:     (packet.Header.Flags & 0x06) >> 1,
			Retain:  packet.Header.Flags&0x01 == 1,
		},
	}

	if result.PacketFlag.QoS == 0 && result.PacketFlag.DupFlag {
		return result, &mqtt.MalformedPacketError{Reason: "when QoS level set to 0, dup flag must be set to 0 either"}
	}

	if !mqtt.ValidQoS(result.PacketFlag.QoS) {
		return result, &mqtt.MalformedPacketError{Reason: "the QoS level must not set to 3"}
	}

	payloadLength := packet.Header.RemainingLength

	topicName, err := readPacketString(packet.Payload)
	if err != nil {
		return result, fmt.Errorf("error occured when reading topic name, details: %w", err)
	}
	if topicName.PayloadLength == 0 {
		return result, &mqtt.MalformedPacketError{Reason: "topic name must not be empty"}
	}
	if strings.ContainsAny(string(topicName.Payload), "#+") {
		return result, &mqtt.MalformedPacketError{Reason: "topic name must not contain wildcard characters"}
	}
	result.TopicName = topicName
	payloadLength -= 2 + topicName.PayloadLength

	if result.PacketFlag.QoS > 0 {
		packetID, err := readPacketID(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading packet ID, details: %w", err)
		}
		if packetID == 0 {
			return result, &mqtt.MalformedPacketError{Reason: "packet ID must be non-zero when QoS > 0"}
		}
		result.PacketID = packetID
		payloadLength -= 2
	}

	payload, err := readPacketBytes(packet.Payload, payloadLength)
	if err != nil {
		return result, fmt.Errorf("error occured when reading payload, details: %w", err)
	}
	result.Payload = payload

	return result, nil
}
