package service

import (
	"ranchat/internal/match"
	"ranchat/internal/models"
	"ranchat/internal/session"
	"ranchat/internal/store"
)

// QueueService 封装等待队列的进出逻辑。入队写入档案快照，
// 队列条目的存在即"正在等待配对"。
type QueueService struct {
	store     store.Store
	matcher   *match.Matchmaker
	lifecycle *session.Lifecycle
}

func NewQueueService(s store.Store, matcher *match.Matchmaker, lc *session.Lifecycle) *QueueService {
	return &QueueService{store: s, matcher: matcher, lifecycle: lc}
}

// Join 入队并立即尝试一次主动配对。找到对端时返回配对结果
// （本方为 caller），否则返回 nil，用户留在队列中等待别人的
// 主动配对把自己选走。
//
// 仍在会话中的用户入队等同于"下一个"：先结束当前会话再排队，
// 任何用户同一时刻至多参与一个活跃会话。
func (s *QueueService) Join(uid string) (*match.Match, error) {
	user, err := s.store.GetUser(uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if sess, err := s.store.ActiveSessionFor(uid); err == nil && sess != nil {
		s.lifecycle.End(sess.ID, uid)
	}
	if err := s.store.UpdateUserFields(uid, map[string]interface{}{"status": models.StatusSearching}); err != nil {
		return nil, err
	}
	entry := models.QueueEntry{
		UserID:          user.ID,
		Gender:          user.Gender,
		MatchPreference: user.MatchPreference,
		MicOn:           user.MicOn,
		CamOn:           user.CamOn,
	}
	if err := s.store.Enqueue(&entry); err != nil {
		return nil, err
	}
	return s.matcher.FindPartner(uid)
}

// Cancel 出队并回到空闲状态。未入队时是空操作。
func (s *QueueService) Cancel(uid string) error {
	if err := s.store.RemoveFromQueue(uid); err != nil {
		return err
	}
	return s.store.UpdateUserFields(uid, map[string]interface{}{"status": models.StatusIdle})
}
