package mqtt

// Message 一条应用消息，主题不含通配符
// 仅在投递期间存在，保留消息除外（每个主题保留一条，后来者覆盖）
type Message struct {
	Topic   string `bson:"topic"`
	Payload []byte `bson:"payload"`
	QoS     byte   `bson:"qos"`
	Retain  bool   `bson:"retain"`
}
