package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrIncomplete 表示缓冲区中的字节数少于报文声明的长度
// 调用方应继续等待更多数据，而不是断开连接
var ErrIncomplete = errors.New("incomplete packet")

// MalformedPacketError 表示报文格式违反协议，连接必须立即关闭
type MalformedPacketError struct {
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return "malformed packet: " + e.Reason
}

func malformedf(format string, v ...any) error {
	return &MalformedPacketError{Reason: fmt.Sprintf(format, v...)}
}

// IsMalformed 判断错误是否为协议级格式错误
func IsMalformed(err error) bool {
	var me *MalformedPacketError
	return errors.As(err, &me)
}

// maxPacketSize 单个报文剩余长度的上限，超过视为协议错误
// 先于读取负载检查，恶意的长度声明不会触发大块内存分配
var maxPacketSize = 1 << 20

// SetMaxPacketSize 设置报文剩余长度上限，非正值被忽略
func SetMaxPacketSize(limit int) {
	if limit > 0 {
		maxPacketSize = limit
	}
}

// UInt16ToByte 将uint16编码为大端序字节
func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

// ByteToUInt16 从大端序字节解码uint16
func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(bytes)
}

// EncodeString 将字符串编码为带2字节长度前缀的字段
func EncodeString(s string) []byte {
	result := make([]byte, 0, 2+len(s))
	result = append(result, UInt16ToByte(uint16(len(s)))...)
	result = append(result, s...)
	return result
}

// ValidString 检查字段是否为合法的UTF-8编码
func ValidString(data []byte) bool {
	return utf8.Valid(data)
}

// Decode 从缓冲区解码一个完整的MQTT报文，返回报文和消耗的字节数
// 数据不足时返回ErrIncomplete，格式错误时返回MalformedPacketError
func Decode(buf []byte) (*Packet, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	remaining, lenBytes, err := decodeRemainingLengthBytes(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	if remaining > maxPacketSize {
		return nil, 0, malformedf("remaining length %d exceeds the %d byte limit", remaining, maxPacketSize)
	}

	total := 1 + lenBytes + remaining
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	packet := newPacket(buf[0], buf[1+lenBytes:total])
	if !ValidateFlags(packet.Header.Type, packet.Header.Flags) {
		return nil, 0, malformedf("flags %#02x of %s packet is not valid", packet.Header.Flags, packet.Header.Type)
	}

	return packet, total, nil
}

// decodeRemainingLengthBytes 从缓冲区解码剩余长度变长整数
func decodeRemainingLengthBytes(buf []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		if i >= len(buf) {
			return 0, 0, ErrIncomplete
		}
		encodedByte := buf[i]
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, malformedf("the remaining length exceeds the 4 byte limit")
}

// ReadPacket 从连接中读取一个完整的MQTT报文
func ReadPacket(r io.Reader) (*Packet, error) {
	// 读取固定头
	typeAndFlags := make([]byte, 1)
	if _, err := io.ReadFull(r, typeAndFlags); err != nil {
		return nil, err
	}

	// 解析剩余长度
	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if remaining > maxPacketSize {
		return nil, malformedf("remaining length %d exceeds the %d byte limit", remaining, maxPacketSize)
	}

	// 读取可变头+有效载荷
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	packet := newPacket(typeAndFlags[0], body)
	if !ValidateFlags(packet.Header.Type, packet.Header.Flags) {
		return nil, malformedf("flags %#02x of %s packet is not valid", packet.Header.Flags, packet.Header.Type)
	}

	return packet, nil
}

// DecodeRemainingLength 从流中解码剩余长度变长整数
func DecodeRemainingLength(r io.Reader) (int, error) {
	buf := make([]byte, 1)
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		value += int(buf[0]&127) * multiplier
		multiplier *= 128
		if (buf[0] & 128) == 0 {
			return value, nil
		}
	}
	return 0, malformedf("the remaining length exceeds the 4 byte limit")
}

// EncodeRemainingLength 将剩余长度编码为变长整数
func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

// NewPacketBytes 组装完整的报文字节流：固定头 + 剩余长度 + 负载
func NewPacketBytes(pt PacketType, flags byte, payload []byte) []byte {
	packet := make([]byte, 0, 2+len(payload))
	packet = append(packet, byte(pt)<<4|flags)
	packet = append(packet, EncodeRemainingLength(len(payload))...)
	packet = append(packet, payload...)
	return packet
}
