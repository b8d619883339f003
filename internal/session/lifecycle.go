package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"ranchat/internal/feed"
	"ranchat/internal/match"
	"ranchat/internal/metrics"
	"ranchat/internal/models"
	"ranchat/internal/store"
)

// Lifecycle 管理会话的建立通知与拆除。会话记录的消失是对端
// 唯一有保证的离开信号：没有心跳，显式清理只是优化。
type Lifecycle struct {
	store store.Store
	bus   *feed.Bus
}

func NewLifecycle(s store.Store, bus *feed.Bus) *Lifecycle {
	return &Lifecycle{store: s, bus: bus}
}

// WatchForMatch 被动监听"是否出现了包含我的会话"。被别人的
// FindPartner 提交配对的一方由此得到通知并以 callee 角色进入会话。
// 最多投递一次后通道关闭。先订阅再查快照，避免错过订阅前一瞬的提交。
func (l *Lifecycle) WatchForMatch(ctx context.Context, uid string) <-chan match.Match {
	ch := make(chan match.Match, 1)
	sub := l.bus.Subscribe(feed.Sessions)
	go func() {
		defer close(ch)
		defer sub.Close()

		deliver := func(sess *models.ChatSession) {
			ch <- match.Match{
				SessionID: sess.ID,
				PartnerID: sess.PartnerOf(uid),
				Caller:    sess.CallerID == uid,
			}
		}

		if sess, err := l.store.ActiveSessionFor(uid); err == nil && sess != nil {
			deliver(sess)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if evt.Op != feed.OpPut {
					continue
				}
				sess, ok := evt.Doc.(*models.ChatSession)
				if !ok || !sess.Has(uid) {
					continue
				}
				deliver(sess)
				return
			}
		}
	}()
	return ch
}

// WatchForEnd 监听会话记录的消失，触发即代表对端已离开
// （或本端主动结束）。最多投递一次。
func (l *Lifecycle) WatchForEnd(ctx context.Context, sessionID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	sub := l.bus.Subscribe(feed.Sessions)
	go func() {
		defer close(ch)
		defer sub.Close()

		if sess, err := l.store.GetSession(sessionID); err == nil && sess == nil {
			ch <- struct{}{}
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if evt.Op == feed.OpDelete && evt.Key == sessionID {
					ch <- struct{}{}
					return
				}
			}
		}
	}()
	return ch
}

// PartnerEvent 是对端用户记录的一次变更：档案更新或彻底下线。
type PartnerEvent struct {
	User *models.User
	Gone bool
}

// WatchPartner 监听对端的用户记录（麦克风/摄像头开关等），
// 记录被删除时投递 Gone 并终止。
func (l *Lifecycle) WatchPartner(ctx context.Context, partnerID string) <-chan PartnerEvent {
	ch := make(chan PartnerEvent, 16)
	sub := l.bus.Subscribe(feed.Users)
	go func() {
		defer close(ch)
		defer sub.Close()

		if u, err := l.store.GetUser(partnerID); err == nil {
			if u == nil {
				ch <- PartnerEvent{Gone: true}
				return
			}
			ch <- PartnerEvent{User: u}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if evt.Key != partnerID {
					continue
				}
				if evt.Op == feed.OpDelete {
					ch <- PartnerEvent{Gone: true}
					return
				}
				if u, ok := evt.Doc.(*models.User); ok {
					select {
					case ch <- PartnerEvent{User: u}:
					default:
					}
				}
			}
		}
	}()
	return ch
}

// End 拆除会话：级联删除信令记录（含候选子记录）、消息与会话本身。
// 可被双方并发调用，删除已删除的记录是静默空操作；检测到对端离开的
// 一方只需回到队列，不应再调用本方法。主动方自行决定自己的后续状态
// （重新排队置 searching，彻底离开置 offline）。
func (l *Lifecycle) End(sessionID, actingUID string) {
	if sessionID == "" {
		return
	}
	if err := l.store.DeleteSessionCascade(sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("user_id", actingUID).Msg("end session")
		return
	}
	log.Info().Str("session_id", sessionID).Str("user_id", actingUID).Msg("session ended")
	if n, err := l.store.CountSessions(); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
}
