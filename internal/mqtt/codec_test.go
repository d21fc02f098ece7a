package mqtt

import (
	"bytes"
	"errors"
	"testing"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{321, []byte{0xC1, 0x02}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("输入=%d 期望=%x 实际=%x", tt.input, tt.expect, encoded)
		}

		decoded, err := DecodeRemainingLength(bytes.NewReader(encoded))
		if err != nil {
			t.Errorf("输入=%d 解码错误=%v", tt.input, err)
		}
		if decoded != tt.input {
			t.Errorf("输入=%d 解码后=%d", tt.input, decoded)
		}
	}
}

func TestRemainingLengthOverflow(t *testing.T) {
	// 第5个延续字节必须报错
	input := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	if _, err := DecodeRemainingLength(bytes.NewReader(input)); !IsMalformed(err) {
		t.Errorf("期望MalformedPacketError 实际=%v", err)
	}
	if _, _, err := Decode(append([]byte{0xC0}, input...)); !IsMalformed(err) {
		t.Errorf("期望MalformedPacketError 实际=%v", err)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	tests := [][]byte{
		{},
		{0x30},
		{0x30, 0x05, 0x00, 0x01},             // 剩余长度声明5字节，实际只有2字节
		{0x30, 0xFF},                         // 剩余长度延续位未结束
		{0x30, 0xFF, 0xFF},                   // 同上
		{0x82, 0x0A, 0x00, 0x01, 0x00, 0x03}, // SUBSCRIBE报文被截断
	}

	for _, tt := range tests {
		_, consumed, err := Decode(tt)
		if !errors.Is(err, ErrIncomplete) {
			t.Errorf("输入=%x 期望ErrIncomplete 实际=%v", tt, err)
		}
		if consumed != 0 {
			t.Errorf("输入=%x 不完整报文不应消耗字节 实际=%d", tt, consumed)
		}
	}
}

func TestDecodeConsumesExactPacket(t *testing.T) {
	// PINGREQ 后面跟随下一个报文的首字节
	input := []byte{0xC0, 0x00, 0x30}
	packet, consumed, err := Decode(input)
	if err != nil {
		t.Fatalf("解码错误=%v", err)
	}
	if packet.Header.Type != PINGREQ {
		t.Errorf("期望=%s 实际=%s", PINGREQ, packet.Header.Type)
	}
	if consumed != 2 {
		t.Errorf("期望消耗2字节 实际=%d", consumed)
	}
}

func TestDecodeInvalidFlags(t *testing.T) {
	tests := [][]byte{
		{0x11, 0x00}, // CONNECT 标志位必须为0
		{0x63, 0x02, 0x00, 0x01}, // PUBREL 标志位只允许0010
	}

	for _, tt := range tests {
		if _, _, err := Decode(tt); !IsMalformed(err) {
			t.Errorf("输入=%x 期望MalformedPacketError 实际=%v", tt, err)
		}
	}
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		pt     PacketType
		flags  byte
		expect bool
	}{
		{CONNECT, 0x00, true},      // 合法
		{CONNECT, 0x01, false},     // 非法
		{PUBREL, 0x02, true},       // 合法
		{PUBREL, 0x03, false},      // 非法
		{PUBREL, 0x00, false},      // 保留值必须恰好为0010
		{SUBSCRIBE, 0x02, true},    // 合法
		{SUBSCRIBE, 0x00, false},   // 保留值必须恰好为0010
		{UNSUBSCRIBE, 0x00, false}, // 保留值必须恰好为0010
		{PUBLISH, 0x0F, true},      // 允许所有标志位
	}

	for _, tt := range tests {
		result := ValidateFlags(tt.pt, tt.flags)
		if result != tt.expect {
			t.Errorf("类型=%X 标志=%04b 期望=%v 实际=%v",
				tt.pt, tt.flags, tt.expect, result)
		}
	}
}

func TestReadPacketMatchesDecode(t *testing.T) {
	input := NewPacketBytes(PUBLISH, 0x00, append(EncodeString("a/b"), 'h', 'i'))

	fromStream, err := ReadPacket(bytes.NewReader(input))
	if err != nil {
		t.Fatalf("流式解码错误=%v", err)
	}
	fromBuffer, consumed, err := Decode(input)
	if err != nil {
		t.Fatalf("缓冲区解码错误=%v", err)
	}

	if consumed != len(input) {
		t.Errorf("期望消耗=%d 实际=%d", len(input), consumed)
	}
	if fromStream.Header.Type != fromBuffer.Header.Type ||
		fromStream.Header.RemainingLength != fromBuffer.Header.RemainingLength ||
		!bytes.Equal(fromStream.Payload.Context, fromBuffer.Payload.Context) {
		t.Errorf("流式解码与缓冲区解码结果不一致")
	}
}

func TestPacketSizeLimit(t *testing.T) {
	SetMaxPacketSize(64)
	t.Cleanup(func() { SetMaxPacketSize(1 << 20) })

	// 声明256MB剩余长度的CONNECT，必须在分配负载之前拒绝
	huge := []byte{0x10, 0xFF, 0xFF, 0xFF, 0x7F}
	if _, err := ReadPacket(bytes.NewReader(huge)); !IsMalformed(err) {
		t.Errorf("流式解码期望MalformedPacketError 实际=%v", err)
	}
	if _, _, err := Decode(huge); !IsMalformed(err) {
		t.Errorf("缓冲区解码期望MalformedPacketError 实际=%v", err)
	}

	// 上限以内的报文不受影响
	small := NewPacketBytes(PINGREQ, 0x00, nil)
	if _, err := ReadPacket(bytes.NewReader(small)); err != nil {
		t.Errorf("上限内报文解码错误=%v", err)
	}
}
