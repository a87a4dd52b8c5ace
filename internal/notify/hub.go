package notify

import (
	"sync"
	"time"
)

// EventType 枚举宿主应用关心的通知类别。
type EventType string

const (
	// EventNewVersionWaiting 表示新版本安装完成并进入等待激活状态。
	EventNewVersionWaiting EventType = "new_version_waiting"
	// EventQuota 表示一次存储配额采样结果。
	EventQuota EventType = "quota"
	// EventMutationDeadLetter 表示一条写请求超过重试上限被搁置。
	EventMutationDeadLetter EventType = "mutation_dead_letter"
)

// Event 是推送给宿主应用的通知载体，Payload 只放可 JSON 化的标量。
type Event struct {
	Type    EventType              `json:"type"`
	Time    time.Time              `json:"time"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

const defaultRingSize = 64

// Hub 在进程内做事件扇出：订阅者各自持有带缓冲 channel，慢消费者丢事件
// 而不是阻塞发布方；同时保留一个环形缓冲供诊断接口查询近期事件。
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int

	ring     []Event
	ringSize int
}

// NewHub 创建事件中心，环形缓冲容量固定。
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[int]chan Event),
		ringSize: defaultRingSize,
	}
}

// Publish 发布事件；订阅者缓冲满时静默丢弃，不阻塞调用方。
func (h *Hub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring = append(h.ring, event)
	if len(h.ring) > h.ringSize {
		h.ring = h.ring[len(h.ring)-h.ringSize:]
	}

	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe 返回事件 channel 与取消函数。
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Recent 返回环形缓冲中的近期事件副本，最新的排在最后。
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]Event, len(h.ring))
	copy(result, h.ring)
	return result
}
