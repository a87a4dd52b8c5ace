package notify

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(4)
	defer cancel()

	hub.Publish(Event{Type: EventQuota, Payload: map[string]interface{}{"level": "warning"}})

	select {
	case event := <-ch:
		if event.Type != EventQuota {
			t.Fatalf("事件类型不符: %s", event.Type)
		}
		if event.Time.IsZero() {
			t.Fatalf("Publish 应补齐时间戳")
		}
	case <-time.After(time.Second):
		t.Fatalf("订阅者未收到事件")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(Event{Type: EventNewVersionWaiting})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("慢订阅者不应阻塞发布方")
	}
}

func TestRecentKeepsBoundedRing(t *testing.T) {
	hub := NewHub()
	for i := 0; i < defaultRingSize+10; i++ {
		hub.Publish(Event{Type: EventQuota})
	}
	recent := hub.Recent()
	if len(recent) != defaultRingSize {
		t.Fatalf("环形缓冲应该封顶 %d，实际 %d", defaultRingSize, len(recent))
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	cancel()

	hub.Publish(Event{Type: EventQuota})
	if _, ok := <-ch; ok {
		t.Fatalf("取消订阅后 channel 应已关闭")
	}
}
