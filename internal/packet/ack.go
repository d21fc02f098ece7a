package packet

// QoS 确认报文（PUBACK/PUBREC/PUBREL/PUBCOMP）相关函数
// 这四种报文结构相同：固定头 + 2字节报文标识符

import (
	"fmt"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// NewPubAckPacket 构造PUBACK报文
func NewPubAckPacket(packetID uint16) []byte {
	return mqtt.NewPacketBytes(mqtt.PUBACK, 0x00, mqtt.UInt16ToByte(packetID))
}

// NewPubRecPacket 构造PUBREC报文
func NewPubRecPacket(packetID uint16) []byte {
	return mqtt.NewPacketBytes(mqtt.PUBREC, 0x00, mqtt.UInt16ToByte(packetID))
}

// NewPubRelPacket 构造PUBREL报文，标志位固定为0010
func NewPubRelPacket(packetID uint16) []byte {
	return mqtt.NewPacketBytes(mqtt.PUBREL, 0x02, mqtt.UInt16ToByte(packetID))
}

// NewPubCompPacket 构造PUBCOMP报文
func NewPubCompPacket(packetID uint16) []byte {
	return mqtt.NewPacketBytes(mqtt.PUBCOMP, 0x00, mqtt.UInt16ToByte(packetID))
}

// ParseAckPacket 解析确认类报文的报文标识符
func ParseAckPacket(packet *mqtt.Packet) (uint16, error) {
	if packet.Header.RemainingLength != 2 {
		return 0, &mqtt.MalformedPacketError{
			Reason: fmt.Sprintf("%s packet remaining length must be 2, got %d",
				packet.Header.Type, packet.Header.RemainingLength),
		}
	}
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return 0, err
	}
	if packetID == 0 {
		return 0, &mqtt.MalformedPacketError{Reason: "packet ID must be non-zero"}
	}
	return packetID, nil
}
