package packet

import (
	"fmt"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// FieldPayload 表示一个带长度前缀的字段
type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func (f FieldPayload) String() string {
	return string(f.Payload)
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, &mqtt.MalformedPacketError{Reason: "invalid packet context length"}
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, &mqtt.MalformedPacketError{Reason: "invalid reading length, expect >= 0"}
	}
	startByte := payload.CurrentPtr
	end := startByte + length
	if end > payload.ContextLen {
		return nil, &mqtt.MalformedPacketError{Reason: "invalid packet context length"}
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

// readPacketField 读取一个带2字节长度前缀的字段
func readPacketField(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, &mqtt.MalformedPacketError{Reason: "insufficient bytes for length"}
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, &mqtt.MalformedPacketError{
			Reason: fmt.Sprintf("payload length %d exceeds buffer (len=%d)", length, contextLen),
		}
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

// readPacketString 读取一个带长度前缀的字段并校验UTF-8编码
func readPacketString(payload *mqtt.Payload) (FieldPayload, error) {
	field, err := readPacketField(payload)
	if err != nil {
		return field, err
	}
	if !mqtt.ValidString(field.Payload) {
		return field, &mqtt.MalformedPacketError{Reason: "string field is not valid UTF-8"}
	}
	return field, nil
}

// readPacketID 读取2字节报文标识符
func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, err
	}
	return mqtt.ByteToUInt16(data), nil
}
