package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/store"
)

var testPolicy = RetryPolicy{
	Interval:     10 * time.Millisecond,
	BackoffLimit: 80 * time.Millisecond,
	MaxRetries:   3,
}

func newTestManager(sessionStore store.SessionStore) *Manager {
	return NewManager(16, testPolicy, sessionStore)
}

func TestQueueOverflowQoS0DropsOldest(t *testing.T) {
	q := NewOutboundQueue(2)
	_ = q.Push([]byte("a"), 0)
	_ = q.Push([]byte("b"), 0)
	if err := q.Push([]byte("c"), 0); err != nil {
		t.Fatalf("QoS0溢出不应报错 实际=%v", err)
	}

	frames := q.Drain()
	if len(frames) != 2 {
		t.Fatalf("期望帧数=2 实际=%d", len(frames))
	}
	if string(frames[0]) != "b" || string(frames[1]) != "c" {
		t.Errorf("期望丢弃最旧的QoS0帧 实际=%q %q", frames[0], frames[1])
	}
}

func TestQueueOverflowQoS1Rejected(t *testing.T) {
	q := NewOutboundQueue(1)
	_ = q.Push([]byte("a"), 1)
	if err := q.Push([]byte("b"), 1); !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("期望ErrQueueOverflow 实际=%v", err)
	}
}

func TestQueueQoS0NeverEvictsQoS1(t *testing.T) {
	q := NewOutboundQueue(1)
	_ = q.Push([]byte("important"), 1)
	if err := q.Push([]byte("dropme"), 0); err != nil {
		t.Fatalf("QoS0溢出不应报错 实际=%v", err)
	}

	frames := q.Drain()
	if len(frames) != 1 || string(frames[0]) != "important" {
		t.Errorf("QoS0消息不应挤掉QoS1帧 实际=%v", frames)
	}
}

func TestDeliverQoS1Lifecycle(t *testing.T) {
	m := newTestManager(nil)
	s, _ := m.Open("c1", true)
	s.Attach(func() {})

	message := mqtt.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}
	if err := s.Deliver(message, 1, false); err != nil {
		t.Fatalf("投递错误=%v", err)
	}
	if s.InflightCount() != 1 {
		t.Fatalf("期望在途消息数=1 实际=%d", s.InflightCount())
	}
	if s.Queue().Len() != 1 {
		t.Fatalf("期望队列长度=1 实际=%d", s.Queue().Len())
	}

	// 错误的packetID不生效
	if s.HandlePubAck(999) {
		t.Errorf("未知packetID的PUBACK不应生效")
	}

	frames := s.Queue().Drain()
	packetID := mqtt.ByteToUInt16(frames[0][len(frames[0])-3 : len(frames[0])-1])
	if !s.HandlePubAck(packetID) {
		t.Errorf("期望PUBACK完成投递")
	}
	if s.InflightCount() != 0 {
		t.Errorf("期望在途消息清空 实际=%d", s.InflightCount())
	}
}

func TestDeliverDowngradesToGrantedQoS(t *testing.T) {
	m := newTestManager(nil)
	s, _ := m.Open("c1", true)
	s.Attach(func() {})

	// 授予QoS0，QoS1消息降级投递，不产生在途记录
	if err := s.Deliver(mqtt.Message{Topic: "a", Payload: []byte("x"), QoS: 1}, 0, false); err != nil {
		t.Fatalf("投递错误=%v", err)
	}
	if s.InflightCount() != 0 {
		t.Errorf("QoS0投递不应产生在途消息 实际=%d", s.InflightCount())
	}
}

func TestDeliverQoS2Handshake(t *testing.T) {
	m := newTestManager(nil)
	s, _ := m.Open("c1", true)
	s.Attach(func() {})

	if err := s.Deliver(mqtt.Message{Topic: "a", Payload: []byte("x"), QoS: 2}, 2, false); err != nil {
		t.Fatalf("投递错误=%v", err)
	}
	frames := s.Queue().Drain()
	packetID := mqtt.ByteToUInt16(frames[0][len(frames[0])-3 : len(frames[0])-1])

	pubrel, ok := s.HandlePubRec(packetID)
	if !ok {
		t.Fatalf("期望PUBREC生效")
	}
	if pubrel[0] != 0x62 {
		t.Errorf("期望PUBREL帧 实际=%x", pubrel)
	}
	// PUBCOMP之前在途记录保留
	if s.InflightCount() != 1 {
		t.Errorf("期望在途消息数=1 实际=%d", s.InflightCount())
	}
	if !s.HandlePubComp(packetID) {
		t.Errorf("期望PUBCOMP完成投递")
	}
	if s.InflightCount() != 0 {
		t.Errorf("期望在途消息清空 实际=%d", s.InflightCount())
	}
}

func TestRetransmissionAndBrokenSession(t *testing.T) {
	m := newTestManager(nil)
	s, _ := m.Open("c1", true)
	s.Attach(func() {})

	_ = s.Deliver(mqtt.Message{Topic: "a", Payload: []byte("x"), QoS: 1}, 1, false)
	s.Queue().Drain()

	now := time.Now()
	retransmitted := 0
	broken := false
	for i := 0; i < testPolicy.MaxRetries+1; i++ {
		now = now.Add(testPolicy.BackoffLimit + time.Second)
		frames, b := s.DueRetransmissions(now)
		if b {
			broken = true
			break
		}
		retransmitted += len(frames)
		// 重传帧必须设置DUP标志
		for _, frame := range frames {
			if frame[0]&0x08 == 0 {
				t.Errorf("重传帧未设置DUP标志: %x", frame)
			}
		}
	}

	if retransmitted < 1 {
		t.Errorf("期望至少重传一次 实际=%d", retransmitted)
	}
	if !broken {
		t.Errorf("期望超过重试上限后会话损坏")
	}
}

func TestIncomingQoS2Dedup(t *testing.T) {
	m := newTestManager(nil)
	s, _ := m.Open("c1", true)

	if !s.BeginIncomingQoS2(7) {
		t.Fatalf("首次PUBLISH应被接受")
	}
	if s.BeginIncomingQoS2(7) {
		t.Errorf("重复的QoS2 PUBLISH应被去重")
	}
	s.FinishIncomingQoS2(7)
	if !s.BeginIncomingQoS2(7) {
		t.Errorf("PUBREL之后同一packetID可以复用")
	}
}

func TestManagerTakeover(t *testing.T) {
	m := newTestManager(nil)
	s1, _ := m.Open("c1", true)

	kicked := make(chan struct{})
	s1.Attach(func() { close(kicked) })

	s2, _ := m.Open("c1", true)
	select {
	case <-kicked:
	case <-time.After(time.Second):
		t.Fatalf("期望旧连接被踢掉")
	}
	if s1 == s2 {
		t.Errorf("clean session重连应得到全新会话")
	}
}

func TestManagerPersistentSessionRestore(t *testing.T) {
	memStore := store.NewMemoryStore()
	m := newTestManager(memStore)

	s1, present := m.Open("c1", false)
	if present {
		t.Fatalf("首次连接不应恢复会话")
	}
	s1.Attach(func() {})
	s1.AddSubscription("sensors/#", 1)
	_ = s1.Deliver(mqtt.Message{Topic: "sensors/a", Payload: []byte("x"), QoS: 1}, 1, false)
	m.Close(s1)

	// 模拟进程重启：新Manager从同一存储恢复
	m2 := newTestManager(memStore)
	s2, present := m2.Open("c1", false)
	if !present {
		t.Fatalf("期望恢复持久会话")
	}
	if s2.Subscriptions()["sensors/#"] != 1 {
		t.Errorf("期望恢复订阅 实际=%v", s2.Subscriptions())
	}
	if s2.InflightCount() != 1 {
		t.Errorf("期望恢复在途消息 实际=%d", s2.InflightCount())
	}

	s2.Attach(func() {})
	if err := s2.ResumePending(); err != nil {
		t.Fatalf("恢复投递错误=%v", err)
	}
	frames := s2.Queue().Drain()
	if len(frames) != 1 {
		t.Fatalf("期望重投1帧 实际=%d", len(frames))
	}
	if frames[0][0]&0x08 == 0 {
		t.Errorf("恢复投递的帧未设置DUP标志: %x", frames[0])
	}
}

func TestManagerCleanSessionDiscardsState(t *testing.T) {
	memStore := store.NewMemoryStore()
	m := newTestManager(memStore)

	s1, _ := m.Open("c1", false)
	s1.AddSubscription("a/b", 0)
	m.Close(s1)

	// clean session重连清除持久状态
	s2, present := m.Open("c1", true)
	if present {
		t.Errorf("clean session不应报告session present")
	}
	if len(s2.Subscriptions()) != 0 {
		t.Errorf("clean session应为空会话 实际=%v", s2.Subscriptions())
	}
	if _, err := memStore.GetSession("c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("期望持久记录被删除 实际=%v", err)
	}
}

func TestManagerConcurrentOpenSingleWinner(t *testing.T) {
	m := newTestManager(nil)

	const racers = 16
	results := make([]*Session, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _ := m.Open("c1", true)
			s.Attach(func() {})
			results[i] = s
		}(i)
	}
	wg.Wait()

	// 注册表中必须恰好是某次Open返回的会话，不能残留无人持有的表项
	registered, ok := m.Get("c1")
	if !ok {
		t.Fatalf("期望注册表中存在会话c1")
	}
	found := false
	for _, s := range results {
		if s == registered {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("注册表中的会话必须来自某次Open的返回值")
	}
}
