package hubsync

import (
	"testing"
	"time"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTMessageRoutedLikePushFrame(t *testing.T) {
	store := NewStore()
	r := newTestRouter(store, "fan-1", "light-1")
	src := NewMQTTSource(MQTTConfig{Broker: "tcp://127.0.0.1:1883", Username: "energy", ClientID: "test"}, r)

	if src.topic != "energy/feeds/+" {
		t.Fatalf("unexpected topic %q", src.topic)
	}

	src.messageHandler(nil, fakeMessage{topic: "energy/feeds/powerfan", payload: []byte("33.5")})
	fan, ok := store.Get("fan-1")
	if !ok || fan.Consumption != 33.5 {
		t.Fatalf("expected fan-1 at 33.5, got %+v", fan)
	}
	if !fan.LastUpdated.Equal(time.Date(2025, 10, 12, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected router clock on lastUpdated, got %v", fan.LastUpdated)
	}

	src.messageHandler(nil, fakeMessage{topic: "energy/feeds/chat", payload: []byte("light:off")})
	light, _ := store.Get("light-1")
	if light.Status != StatusOff {
		t.Fatalf("expected light-1 off, got %+v", light)
	}
}
