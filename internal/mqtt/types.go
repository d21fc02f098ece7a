// Package mqtt 实现了MQTT 3.1.1协议的核心类型定义和控制报文编解码
package mqtt

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

// MQTT 控制报文类型常量定义
const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2第一步）
	PUBREL                            // 发布释放（QoS 2第二步）
	PUBCOMP                           // 发布完成（QoS 2第三步）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
)

// QoS 等级常量定义
const (
	QoSAtMostOnce  byte = iota // 最多一次
	QoSAtLeastOnce             // 至少一次
	QoSExactlyOnce             // 恰好一次
)

// ValidQoS 检查QoS等级是否合法
func ValidQoS(qos byte) bool {
	return qos <= QoSExactlyOnce
}

// PacketTypeMap 将PacketType映射到其字符串表示
var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

// String 返回PacketType的字符串表示
func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "RESERVED"
}

// allowedFlags 定义了每种报文类型允许的标志位组合
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00, // 0000
	CONNACK:     0x00, // 0000
	PUBLISH:     0x0F, // 1111（允许所有标志位组合）
	PUBACK:      0x00, // 0000
	PUBREC:      0x00, // 0000
	PUBREL:      0x02, // 0010
	PUBCOMP:     0x00, // 0000
	SUBSCRIBE:   0x02, // 0010
	SUBACK:      0x00, // 0000
	UNSUBSCRIBE: 0x02, // 0010
	UNSUBACK:    0x00, // 0000
	PINGREQ:     0x00, // 0000
	PINGRESP:    0x00, // 0000
	DISCONNECT:  0x00, // 0000
}

// ValidateFlags 检查标志位是否合法
// PUBLISH的标志位是位掩码，其余类型必须与保留值完全一致
func ValidateFlags(pt PacketType, flags byte) bool {
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	if pt == PUBLISH {
		return (flags & ^allowed) == 0
	}
	return flags == allowed
}

// FixedHeader 定义了MQTT固定头部结构
type FixedHeader struct {
	Type            PacketType // 报文类型
	Flags           byte       // 标志位
	RemainingLength int        // 剩余长度
}

// Payload 定义了MQTT报文的可变头和有效载荷，带读取游标
type Payload struct {
	Context    []byte // 负载内容
	ContextLen int    // 负载长度
	CurrentPtr int    // 当前读取位置
}

// CheckRemainingLength 检查负载是否还有未读取的字节
func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// Remaining 返回负载中尚未读取的字节数
func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}

// Packet 定义了完整的MQTT报文结构
type Packet struct {
	Header  *FixedHeader // 固定头部
	Payload *Payload     // 可变头部和有效载荷
}

func newPacket(first byte, body []byte) *Packet {
	return &Packet{
		Header: &FixedHeader{
			Type:            PacketType(first >> 4),
			Flags:           first & 0x0F,
			RemainingLength: len(body),
		},
		Payload: &Payload{
			Context:    body,
			ContextLen: len(body),
			CurrentPtr: 0,
		},
	}
}
