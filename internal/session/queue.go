package session

import (
	"errors"
	"sync"
)

var (
	// ErrQueueOverflow QoS≥1消息遇到满队列，订阅者必须被断开以避免默默违反投递保证
	ErrQueueOverflow = errors.New("outbound queue overflow")
	ErrQueueClosed   = errors.New("outbound queue closed")
)

type queueItem struct {
	data []byte
	qos  byte
}

// OutboundQueue 每个会话的有界出站队列
// 发布方只入队即返回，连接的写协程独立消费，慢订阅者不会阻塞发布方
type OutboundQueue struct {
	mu       sync.Mutex
	items    []queueItem
	capacity int
	wake     chan struct{}
	closed   bool
}

func NewOutboundQueue(capacity int) *OutboundQueue {
	return &OutboundQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Push 入队一帧数据
// 队列满时：QoS0丢弃最旧的QoS0帧，QoS≥1返回ErrQueueOverflow
func (q *OutboundQueue) Push(data []byte, qos byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if len(q.items) >= q.capacity {
		if qos > 0 {
			return ErrQueueOverflow
		}
		if !q.dropOldestQoS0() {
			// 队列里全是QoS≥1帧，丢弃本条QoS0消息
			return nil
		}
	}

	q.items = append(q.items, queueItem{data: data, qos: qos})
	q.notify()
	return nil
}

func (q *OutboundQueue) dropOldestQoS0() bool {
	for i := range q.items {
		if q.items[i].qos == 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *OutboundQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Drain 取出当前队列中的全部帧
func (q *OutboundQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	frames := make([][]byte, len(q.items))
	for i := range q.items {
		frames[i] = q.items[i].data
	}
	q.items = q.items[:0]
	return frames
}

// Wake 返回队列的唤醒通道，写协程在此等待
func (q *OutboundQueue) Wake() <-chan struct{} {
	return q.wake
}

// Closed 队列关闭后写协程送完存量帧即可退出
func (q *OutboundQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *OutboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.notify()
}
