package packet

// NewPingRespPacket 构造PINGRESP报文
func NewPingRespPacket() []byte {
	return []byte{0xD0, 0x00}
}

// NewDisconnectPacket 构造DISCONNECT报文
func NewDisconnectPacket() []byte {
	return []byte{0xE0, 0x00}
}
