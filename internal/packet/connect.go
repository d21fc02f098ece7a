package packet

// 控制包类型 CONNECT / CONNACK 相关函数

import (
	"fmt"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// ConnectRespType CONNACK返回码
type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag   bool
	PasswordFlag   bool
	WillRetainFlag bool
	WillQoS        byte
	WillFlag       bool
	CleanSession   bool
}

// ConnectPacketPayloads CONNECT控制包的可变头和负载
type ConnectPacketPayloads struct {
	ConnectFlag        ConnectPacketFlag
	ClientIdentifier   FieldPayload
	UsernamePayload    FieldPayload
	PasswordPayload    FieldPayload
	WillMessageTopic   FieldPayload
	WillMessageContent FieldPayload
	KeepAlive          int
}

// NewConnectAckPacket 构造CONNACK报文
func NewConnectAckPacket(sessionPresent bool, returnCode ConnectRespType) []byte {
	// 非Accepted时session present必须为0
	if sessionPresent && returnCode == Accepted {
		return []byte{0x20, 0x02, 0x01, byte(returnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(returnCode)}
}

// ParseConnectPacket 解析CONNECT控制包的可变头和负载
// 协议版本不匹配时返回应答的CONNACK报文
func ParseConnectPacket(packet *mqtt.Packet) (*ConnectPacketPayloads, []byte, error) {
	payload := packet.Payload
	result := &ConnectPacketPayloads{}

	protocolString, err := readPacketString(payload)
	if err != nil {
		return result, nil, &mqtt.MalformedPacketError{Reason: "unable to check protocol string"}
	}
	if string(protocolString.Payload) != "MQTT" {
		return result, nil, &mqtt.MalformedPacketError{
			Reason: fmt.Sprintf("incorrect protocol string: %s", protocolString),
		}
	}

	// 协议版本
	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return result, nil, &mqtt.MalformedPacketError{Reason: "unable to read protocol version"}
	}
	if protocolVersion != 0x04 {
		return result, NewConnectAckPacket(false, UnacceptableProtocol),
			fmt.Errorf("protocol version %#02x does not match", protocolVersion)
	}

	// 连接标志位
	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return result, nil, &mqtt.MalformedPacketError{Reason: "unable to read connect flags"}
	}
	if connectFlag&0x01 != 0 {
		return result, nil, &mqtt.MalformedPacketError{Reason: "reserved connect flag bit must be 0"}
	}

	// 解析标志位
	result.ConnectFlag = ConnectPacketFlag{
		UsernameFlag:   (connectFlag&0x80)>>7 == 1,
		PasswordFlag:   (connectFlag&0x40)>>6 == 1,
		WillRetainFlag: (connectFlag&0x20)>>5 == 1,
		WillQoS:        (connectFlag & 0x18) >> 3, // 0x18 = 00011000
		WillFlag:       (connectFlag&0x04)>>2 == 1,
		CleanSession:   (connectFlag&0x02)>>1 == 1,
	}

	if !result.ConnectFlag.WillFlag && (result.ConnectFlag.WillRetainFlag || result.ConnectFlag.WillQoS != 0) {
		return result, nil, &mqtt.MalformedPacketError{
			Reason: "when will flag is not set, will retain must not be set and will QoS must be 0",
		}
	}
	if !mqtt.ValidQoS(result.ConnectFlag.WillQoS) {
		return result, nil, &mqtt.MalformedPacketError{Reason: "will QoS must not be 3"}
	}

	// Keep Alive Time
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return result, nil, &mqtt.MalformedPacketError{Reason: "unable to read keep alive time"}
	}
	result.KeepAlive = int(mqtt.ByteToUInt16(data))

	// Client ID
	clientID, err := readPacketString(payload)
	if err != nil {
		return result, nil, fmt.Errorf("client ID: %w", err)
	}
	result.ClientIdentifier = clientID

	// Will Message
	if result.ConnectFlag.WillFlag {
		willTopic, err := readPacketString(payload)
		if err != nil {
			return result, nil, fmt.Errorf("will topic: %w", err)
		}
		result.WillMessageTopic = willTopic

		willContent, err := readPacketField(payload)
		if err != nil {
			return result, nil, fmt.Errorf("will content: %w", err)
		}
		result.WillMessageContent = willContent
	}

	// Username
	if result.ConnectFlag.UsernameFlag {
		username, err := readPacketString(payload)
		if err != nil {
			return result, nil, fmt.Errorf("username: %w", err)
		}
		result.UsernamePayload = username
	}

	// Password
	if result.ConnectFlag.PasswordFlag {
		password, err := readPacketField(payload)
		if err != nil {
			return result, nil, fmt.Errorf("password: %w", err)
		}
		result.PasswordPayload = password
	}

	if payload.CheckRemainingLength() {
		return result, nil, &mqtt.MalformedPacketError{Reason: "unexpected trailing bytes in CONNECT packet"}
	}

	return result, nil, nil
}

// NewConnectPacket 构造CONNECT报文，供回环测试的客户端侧使用
func NewConnectPacket(clientID string, cleanSession bool, keepAlive uint16) []byte {
	payload := make([]byte, 0, 12+len(clientID))
	payload = append(payload, mqtt.EncodeString("MQTT")...)
	payload = append(payload, 0x04)
	var flags byte
	if cleanSession {
		flags |= 0x02
	}
	payload = append(payload, flags)
	payload = append(payload, mqtt.UInt16ToByte(keepAlive)...)
	payload = append(payload, mqtt.EncodeString(clientID)...)
	return mqtt.NewPacketBytes(mqtt.CONNECT, 0x00, payload)
}
