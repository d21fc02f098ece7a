package session

import (
	"time"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

// InflightStep 出站QoS握手中正在等待的确认
type InflightStep byte

const (
	StepAwaitPubAck  InflightStep = iota // QoS1 等待PUBACK
	StepAwaitPubRec                      // QoS2 等待PUBREC
	StepAwaitPubComp                     // QoS2 等待PUBCOMP
)

// Inflight 一条未完成投递的QoS1/2消息
type Inflight struct {
	PacketID uint16
	Message  mqtt.Message
	QoS      byte
	Step     InflightStep
	Retries  int
	Deadline time.Time
}

// RetryPolicy 重传策略：指数退避，封顶，超过最大次数后关闭会话
type RetryPolicy struct {
	Interval     time.Duration
	BackoffLimit time.Duration
	MaxRetries   int
}

// backoff 第n次重传的等待间隔
func (p RetryPolicy) backoff(retries int) time.Duration {
	interval := p.Interval
	for i := 0; i < retries; i++ {
		interval *= 2
		if interval >= p.BackoffLimit {
			return p.BackoffLimit
		}
	}
	return interval
}
