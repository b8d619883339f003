package store

import (
	"errors"
	"time"

	"ranchat/internal/feed"
	"ranchat/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Postgres 是基于 gorm 的会话存储实现，配对提交依赖
// 行级锁事务保证原子性。
type Postgres struct {
	db  *gorm.DB
	bus *feed.Bus
}

func NewPostgres(db *gorm.DB, bus *feed.Bus) *Postgres {
	return &Postgres{db: db, bus: bus}
}

var _ Store = (*Postgres)(nil)

func (s *Postgres) CreateUser(u *models.User) error {
	if err := s.db.Create(u).Error; err != nil {
		return err
	}
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Users, Key: u.ID, Doc: u})
	return nil
}

func (s *Postgres) GetUser(uid string) (*models.User, error) {
	var u models.User
	if err := s.db.First(&u, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (s *Postgres) UsernameTaken(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Postgres) UpdateUserFields(uid string, fields map[string]interface{}) error {
	res := s.db.Model(&models.User{}).Where("id = ?", uid).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	// RowsAffected == 0 说明用户已被并发删除，视为静默空操作。
	if res.RowsAffected > 0 {
		if u, err := s.GetUser(uid); err == nil && u != nil {
			s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Users, Key: uid, Doc: u})
		}
	}
	return nil
}

func (s *Postgres) DeleteUserCascade(uid string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.User{}, "id = ?", uid).Error; err != nil {
			return err
		}
		return tx.Delete(&models.QueueEntry{}, "user_id = ?", uid).Error
	})
	if err != nil {
		return err
	}
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: uid})
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Users, Key: uid})
	return nil
}

func (s *Postgres) CountOnline() (int64, error) {
	var count int64
	err := s.db.Model(&models.User{}).Count(&count).Error
	return count, err
}

func (s *Postgres) Enqueue(e *models.QueueEntry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(e).Error
	if err != nil {
		return err
	}
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Queue, Key: e.UserID, Doc: e})
	return nil
}

func (s *Postgres) RemoveFromQueue(uid string) error {
	res := s.db.Delete(&models.QueueEntry{}, "user_id = ?", uid)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: uid})
	}
	return nil
}

func (s *Postgres) OldestQueueEntries(limit int, excludeUID string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.Where("user_id <> ?", excludeUID).
		Order("enqueued_at asc").Limit(limit).Find(&entries).Error
	return entries, err
}

func (s *Postgres) CommitMatch(callerID, calleeID string) (*models.ChatSession, error) {
	sess := &models.ChatSession{ID: uuid.NewString(), CallerID: callerID, CalleeID: calleeID}
	ids := []string{callerID, calleeID}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// 事务内重读双方队列条目并上行锁：任一缺失说明另一个
		// 匹配方已经赢得竞争，整个事务中止且无任何写入可见。
		var entries []models.QueueEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id IN ?", ids).Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) != 2 {
			return ErrContention
		}
		// 任一方已在活跃会话中时中止：每用户至多一个活跃会话。
		var busy int64
		if err := tx.Model(&models.ChatSession{}).
			Where("caller_id IN ? OR callee_id IN ?", ids, ids).Count(&busy).Error; err != nil {
			return err
		}
		if busy > 0 {
			return ErrContention
		}
		if err := tx.Create(sess).Error; err != nil {
			return err
		}
		peers := []models.PeerSignal{
			{SessionID: sess.ID, UserID: callerID},
			{SessionID: sess.ID, UserID: calleeID},
		}
		if err := tx.Create(&peers).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.QueueEntry{}, "user_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id IN ?", ids).
			Update("status", models.StatusInChat).Error
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: callerID})
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: calleeID})
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Sessions, Key: sess.ID, Doc: sess})
	return sess, nil
}

func (s *Postgres) GetSession(id string) (*models.ChatSession, error) {
	var sess models.ChatSession
	if err := s.db.First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Postgres) ActiveSessionFor(uid string) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := s.db.Where("caller_id = ? OR callee_id = ?", uid, uid).
		Order("created_at desc").First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Postgres) DeleteSessionCascade(id string) error {
	deleted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// 先删信令记录：AddCandidate 在同一行上锁，保证并发滴流的
		// 候选要么先于本事务落库并在下面一并删除，要么看到记录已
		// 消失而被丢弃。
		if err := tx.Delete(&models.PeerSignal{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.IceCandidate{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Message{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.ChatSession{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return err
	}
	// 只有真正删除了会话记录的一方发布事件，另一方的重复删除是空操作。
	if deleted {
		s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Sessions, Key: id})
	}
	return nil
}

func (s *Postgres) CountSessions() (int64, error) {
	var count int64
	err := s.db.Model(&models.ChatSession{}).Count(&count).Error
	return count, err
}

func (s *Postgres) PutOffer(sessionID, uid string, desc models.SessionDescription) error {
	return s.putSignal(sessionID, uid, map[string]interface{}{
		"offer_type": desc.Type,
		"offer_sdp":  desc.SDP,
	})
}

func (s *Postgres) PutAnswer(sessionID, uid string, desc models.SessionDescription) error {
	return s.putSignal(sessionID, uid, map[string]interface{}{
		"answer_type": desc.Type,
		"answer_sdp":  desc.SDP,
	})
}

func (s *Postgres) putSignal(sessionID, uid string, fields map[string]interface{}) error {
	res := s.db.Model(&models.PeerSignal{}).
		Where("session_id = ? AND user_id = ?", sessionID, uid).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 会话已被并发拆除，静默忽略。
		return nil
	}
	rec, err := s.GetPeerSignal(sessionID, uid)
	if err == nil && rec != nil {
		s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Signals, Key: feed.SubKey(sessionID, uid), Doc: rec})
	}
	return nil
}

func (s *Postgres) GetPeerSignal(sessionID, uid string) (*models.PeerSignal, error) {
	var rec models.PeerSignal
	err := s.db.Where("session_id = ? AND user_id = ?", sessionID, uid).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// AddCandidate 在与级联删除相同的原子边界内确认信令记录仍然存在，
// 拆除之后到达的滴流候选静默丢弃，不留孤儿子记录。
func (s *Postgres) AddCandidate(sessionID, uid, payload string) (*models.IceCandidate, error) {
	cand := &models.IceCandidate{SessionID: sessionID, UserID: uid, Payload: payload}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var sig models.PeerSignal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND user_id = ?", sessionID, uid).First(&sig).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				cand = nil
				return nil
			}
			return err
		}
		return tx.Create(cand).Error
	})
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, nil
	}
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Candidates, Key: feed.SubKey(sessionID, uid), Doc: cand})
	return cand, nil
}

func (s *Postgres) ListCandidates(sessionID, uid string) ([]models.IceCandidate, error) {
	var cands []models.IceCandidate
	err := s.db.Where("session_id = ? AND user_id = ?", sessionID, uid).
		Order("id asc").Find(&cands).Error
	return cands, err
}

func (s *Postgres) AppendMessage(m *models.Message) error {
	if err := s.db.Create(m).Error; err != nil {
		return err
	}
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Messages, Key: m.SessionID, Doc: m})
	return nil
}

func (s *Postgres) ListMessages(sessionID string, limit int, beforeID uint) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.Where("session_id = ?", sessionID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
