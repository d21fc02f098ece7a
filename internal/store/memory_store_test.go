package store

import (
	"errors"
	"testing"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
)

func TestMemoryStoreSession(t *testing.T) {
	ms := NewMemoryStore()

	if _, err := ms.GetSession("c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望ErrNotFound 实际=%v", err)
	}

	record := &SessionRecord{
		ClientID:      "c1",
		Subscriptions: map[string]byte{"sensors/#": 1},
	}
	if err := ms.SaveSession(record); err != nil {
		t.Fatalf("保存错误=%v", err)
	}

	got, err := ms.GetSession("c1")
	if err != nil {
		t.Fatalf("读取错误=%v", err)
	}
	if got.Subscriptions["sensors/#"] != 1 {
		t.Errorf("订阅数据不符=%+v", got)
	}

	if err := ms.DeleteSession("c1"); err != nil {
		t.Fatalf("删除错误=%v", err)
	}
	if _, err := ms.GetSession("c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("删除后期望ErrNotFound 实际=%v", err)
	}
}

func TestMemoryStoreRetained(t *testing.T) {
	ms := NewMemoryStore()

	message := &mqtt.Message{Topic: "device/status", Payload: []byte("online"), Retain: true}
	if err := ms.SaveRetained(message); err != nil {
		t.Fatalf("保存错误=%v", err)
	}

	got, err := ms.GetRetained("device/status")
	if err != nil {
		t.Fatalf("读取错误=%v", err)
	}
	if string(got.Payload) != "online" {
		t.Errorf("期望负载=online 实际=%s", got.Payload)
	}

	// 同一主题覆盖
	_ = ms.SaveRetained(&mqtt.Message{Topic: "device/status", Payload: []byte("offline"), Retain: true})
	got, _ = ms.GetRetained("device/status")
	if string(got.Payload) != "offline" {
		t.Errorf("期望覆盖后负载=offline 实际=%s", got.Payload)
	}

	all, _ := ms.AllRetained()
	if len(all) != 1 {
		t.Errorf("期望保留消息数=1 实际=%d", len(all))
	}

	_ = ms.DeleteRetained("device/status")
	if _, err := ms.GetRetained("device/status"); !errors.Is(err, ErrNotFound) {
		t.Errorf("删除后期望ErrNotFound 实际=%v", err)
	}
}
