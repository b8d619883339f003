package signal

import (
	"context"

	"ranchat/internal/feed"
	"ranchat/internal/metrics"
	"ranchat/internal/models"
	"ranchat/internal/store"
)

// Broker 在配对双方之间中转 offer/answer 与滴流候选：
// 写入方持久化到自己的信令记录，读取方监听对端的记录。
// 载荷对本层完全不透明。
type Broker struct {
	store store.Store
	bus   *feed.Bus
}

func NewBroker(s store.Store, bus *feed.Bus) *Broker {
	return &Broker{store: s, bus: bus}
}

// SendOffer 写入本端的 offer。每会话每参与者至多一个 offer，
// 重试重建连接时覆盖写入。
func (b *Broker) SendOffer(sessionID, uid string, desc models.SessionDescription) error {
	metrics.SignalMessagesTotal.WithLabelValues("offer").Inc()
	return b.store.PutOffer(sessionID, uid, desc)
}

// SendAnswer 写入本端的 answer。
func (b *Broker) SendAnswer(sessionID, uid string, desc models.SessionDescription) error {
	metrics.SignalMessagesTotal.WithLabelValues("answer").Inc()
	return b.store.PutAnswer(sessionID, uid, desc)
}

// SendCandidate 追加本端的一条网络候选。
func (b *Broker) SendCandidate(sessionID, uid, payload string) error {
	metrics.SignalMessagesTotal.WithLabelValues("candidate").Inc()
	_, err := b.store.AddCandidate(sessionID, uid, payload)
	return err
}

// WatchRemote 监听对端信令记录：先投递当前快照（若存在），随后投递
// 每次更新。订阅机制可能重复投递同一状态（如重连后重放），消费方必须
// 幂等应用。
func (b *Broker) WatchRemote(ctx context.Context, sessionID, partnerID string) <-chan models.PeerSignal {
	ch := make(chan models.PeerSignal, 16)
	sub := b.bus.Subscribe(feed.Signals)
	key := feed.SubKey(sessionID, partnerID)
	go func() {
		defer close(ch)
		defer sub.Close()

		if rec, err := b.store.GetPeerSignal(sessionID, partnerID); err == nil && rec != nil {
			ch <- *rec
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if evt.Op != feed.OpPut || evt.Key != key {
					continue
				}
				if rec, ok := evt.Doc.(*models.PeerSignal); ok {
					select {
					case ch <- *rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

// WatchCandidates 监听对端的候选流：先按追加顺序重放已有候选，
// 再投递后续新增。自增 ID 单调递增，借此去重快照与实时事件的交叠，
// 保证单发送方的追加顺序即投递顺序、一条不丢一条不重。
func (b *Broker) WatchCandidates(ctx context.Context, sessionID, partnerID string) <-chan models.IceCandidate {
	ch := make(chan models.IceCandidate, 64)
	sub := b.bus.Subscribe(feed.Candidates)
	key := feed.SubKey(sessionID, partnerID)
	go func() {
		defer close(ch)
		defer sub.Close()

		var lastID uint
		if existing, err := b.store.ListCandidates(sessionID, partnerID); err == nil {
			for _, cand := range existing {
				select {
				case ch <- cand:
					lastID = cand.ID
				case <-ctx.Done():
					return
				}
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if evt.Op != feed.OpPut || evt.Key != key {
					continue
				}
				cand, ok := evt.Doc.(*models.IceCandidate)
				if !ok || cand.ID <= lastID {
					continue
				}
				select {
				case ch <- *cand:
					lastID = cand.ID
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}
