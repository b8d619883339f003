package feed

import (
	"sync"

	"github.com/rs/zerolog/log"

	"ranchat/internal/metrics"
)

// 会话存储中的逻辑集合名，事件按集合分发。
const (
	Users      = "users"
	Queue      = "queue"
	Sessions   = "sessions"
	Signals    = "signals"
	Candidates = "candidates"
	Messages   = "messages"
)

// SubKey 组合会话内子记录（信令、候选）的复合键。
func SubKey(sessionID, userID string) string {
	return sessionID + "/" + userID
}

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Event 是会话存储的一次变更通知。Key 为文档键，
// 会话内子记录使用 "sessionID/userID" 形式的复合键。
// Doc 在 put 时为提交后的文档快照，delete 时为 nil。
type Event struct {
	Op         Op
	Collection string
	Key        string
	Doc        interface{}
}

// Subscription 是一路有序的变更事件流。消费方必须及时读取 C，
// 缓冲写满时事件会被丢弃（依赖快照重放与幂等应用兜底）。
type Subscription struct {
	C chan Event

	bus        *Bus
	collection string
	once       sync.Once
}

// Close 取消订阅并关闭事件通道。可重复调用。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.C)
	})
}

// Bus 是进程内的变更订阅总线，替代托管式实时订阅机制：
// 组件对某个集合注册兴趣，存储层在每次提交后发布事件。
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe 订阅某集合的变更事件流。
func (b *Bus) Subscribe(collection string) *Subscription {
	sub := &Subscription{
		C:          make(chan Event, 256),
		bus:        b,
		collection: collection,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[collection]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[collection] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[sub.collection]; set != nil {
		delete(set, sub)
	}
}

// Publish 将事件投递给该集合的全部订阅者。
// 单个发布方的事件对每个订阅者保持发布顺序。
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[evt.Collection] {
		select {
		case sub.C <- evt:
		default:
			metrics.FeedDroppedTotal.Inc()
			log.Warn().Str("collection", evt.Collection).Str("key", evt.Key).Msg("feed subscriber lagging, event dropped")
		}
	}
}
