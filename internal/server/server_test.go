package server

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/auth"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/broker"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/config"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/packet"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/session"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/store"
)

// startTestServer 在随机端口启动完整协议栈，返回broker地址
func startTestServer(t *testing.T) string {
	t.Helper()
	config.SetConfigForTest(config.Config{})

	memStore := store.NewMemoryStore()
	policy := session.RetryPolicy{
		Interval:     200 * time.Millisecond,
		BackoffLimit: time.Second,
		MaxRetries:   3,
	}
	sessions := session.NewManager(256, policy, memStore)
	sessions.StartRetryLoop(policy.Interval)
	b := broker.NewBroker(sessions, memStore, auth.AllowAll{})

	srv := NewServer(b)
	if err := srv.Listen(0); err != nil {
		t.Fatalf("监听错误=%v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)

	port := srv.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

func newTestClient(t *testing.T, addr, clientID string) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker(addr).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(10 * time.Second).
		SetConnectTimeout(3 * time.Second).
		SetAutoReconnect(false)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("客户端连接失败=%v", token.Error())
	}
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestPublishSubscribeLoopback(t *testing.T) {
	addr := startTestServer(t)
	sub := newTestClient(t, addr, "loop-sub")
	pub := newTestClient(t, addr, "loop-pub")

	received := make(chan paho.Message, 1)
	token := sub.Subscribe("sensors/+/temp", 1, func(_ paho.Client, m paho.Message) {
		received <- m
	})
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("订阅失败=%v", token.Error())
	}

	token = pub.Publish("sensors/kitchen/temp", 1, false, "21.5")
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("发布失败=%v", token.Error())
	}

	select {
	case m := <-received:
		if m.Topic() != "sensors/kitchen/temp" {
			t.Errorf("期望主题sensors/kitchen/temp 实际=%s", m.Topic())
		}
		if string(m.Payload()) != "21.5" {
			t.Errorf("期望负载21.5 实际=%q", m.Payload())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("等待消息超时")
	}
}

func TestQoS0DowngradeLoopback(t *testing.T) {
	addr := startTestServer(t)
	sub := newTestClient(t, addr, "down-sub")
	pub := newTestClient(t, addr, "down-pub")

	received := make(chan paho.Message, 1)
	token := sub.Subscribe("a/b", 0, func(_ paho.Client, m paho.Message) {
		received <- m
	})
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("订阅失败=%v", token.Error())
	}

	// QoS2发布，授予QoS0，按较小值投递
	token = pub.Publish("a/b", 2, false, "x")
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("发布失败=%v", token.Error())
	}

	select {
	case m := <-received:
		if m.Qos() != 0 {
			t.Errorf("期望按授予QoS=0投递 实际=%d", m.Qos())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("等待消息超时")
	}
}

func TestRetainedMessageLoopback(t *testing.T) {
	addr := startTestServer(t)
	pub := newTestClient(t, addr, "ret-pub")

	token := pub.Publish("status/device1", 0, true, "online")
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("发布失败=%v", token.Error())
	}
	// 保留消息落库在PUBLISH处理内同步完成，订阅方晚接入仍能收到
	time.Sleep(100 * time.Millisecond)

	sub := newTestClient(t, addr, "ret-sub")
	received := make(chan paho.Message, 1)
	token = sub.Subscribe("status/#", 0, func(_ paho.Client, m paho.Message) {
		received <- m
	})
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("订阅失败=%v", token.Error())
	}

	select {
	case m := <-received:
		if !m.Retained() {
			t.Errorf("订阅触发的保留消息必须设置retain标志")
		}
		if string(m.Payload()) != "online" {
			t.Errorf("期望负载online 实际=%q", m.Payload())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("等待保留消息超时")
	}
}

func TestDuplicateConnectClosesConnection(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.DialTimeout("tcp", addr[len("tcp://"):], 3*time.Second)
	if err != nil {
		t.Fatalf("连接失败=%v", err)
	}
	defer conn.Close()

	frame := packet.NewConnectPacket("dup-connect", true, 30)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("写入CONNECT失败=%v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	connack := make([]byte, 4)
	if _, err := io.ReadFull(conn, connack); err != nil {
		t.Fatalf("读取CONNACK失败=%v", err)
	}
	if connack[0] != 0x20 || connack[3] != 0x00 {
		t.Fatalf("期望CONNACK Accepted 实际=%x", connack)
	}

	// 第二个CONNECT是协议违规，连接关闭且不再发送任何字节
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("写入第二个CONNECT失败=%v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err != io.EOF || n != 0 {
		t.Errorf("期望连接直接关闭 实际 n=%d err=%v", n, err)
	}
}

func TestGracefulDisconnect(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.DialTimeout("tcp", addr[len("tcp://"):], 3*time.Second)
	if err != nil {
		t.Fatalf("连接失败=%v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet.NewConnectPacket("graceful", true, 30)); err != nil {
		t.Fatalf("写入CONNECT失败=%v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	connack := make([]byte, 4)
	if _, err := io.ReadFull(conn, connack); err != nil {
		t.Fatalf("读取CONNACK失败=%v", err)
	}

	// DISCONNECT之后服务端关闭连接，不再发送任何字节
	if _, err := conn.Write(packet.NewDisconnectPacket()); err != nil {
		t.Fatalf("写入DISCONNECT失败=%v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err != io.EOF || n != 0 {
		t.Errorf("期望连接关闭 实际 n=%d err=%v", n, err)
	}
}

func TestFirstPacketMustBeConnect(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.DialTimeout("tcp", addr[len("tcp://"):], 3*time.Second)
	if err != nil {
		t.Fatalf("连接失败=%v", err)
	}
	defer conn.Close()

	// 首包为PINGREQ，服务端不应答直接关闭
	if _, err := conn.Write([]byte{0xC0, 0x00}); err != nil {
		t.Fatalf("写入失败=%v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err != io.EOF || n != 0 {
		t.Errorf("期望连接直接关闭 实际 n=%d err=%v", n, err)
	}
}

func TestSessionTakeoverLoopback(t *testing.T) {
	addr := startTestServer(t)

	first := newTestClient(t, addr, "dup-client")
	second := newTestClient(t, addr, "dup-client")

	// last-connect-wins：旧连接被服务端关闭，新连接存活
	time.Sleep(200 * time.Millisecond)
	if first.IsConnectionOpen() {
		t.Errorf("期望旧连接被踢掉")
	}
	if !second.IsConnectionOpen() {
		t.Errorf("期望新连接存活")
	}
}
