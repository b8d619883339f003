package store

import (
	"sort"
	"sync"
	"time"

	"ranchat/internal/feed"
	"ranchat/internal/models"

	"github.com/google/uuid"
)

// Memory 是内存版会话存储，行为与 Postgres 实现对齐，
// 供测试与单机开发使用。互斥锁即原子事务边界。
type Memory struct {
	mu  sync.Mutex
	bus *feed.Bus
	now func() time.Time

	users      map[string]*models.User
	queue      map[string]*models.QueueEntry
	sessions   map[string]*models.ChatSession
	signals    map[string]*models.PeerSignal    // key: sessionID/userID
	candidates map[string][]models.IceCandidate // key: sessionID/userID
	messages   map[string][]models.Message      // key: sessionID
	nextCandID uint
	nextMsgID  uint
}

func NewMemory(bus *feed.Bus) *Memory {
	return NewMemoryWithClock(bus, func() time.Time { return time.Now().UTC() })
}

func NewMemoryWithClock(bus *feed.Bus, now func() time.Time) *Memory {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		bus:        bus,
		now:        now,
		users:      make(map[string]*models.User),
		queue:      make(map[string]*models.QueueEntry),
		sessions:   make(map[string]*models.ChatSession),
		signals:    make(map[string]*models.PeerSignal),
		candidates: make(map[string][]models.IceCandidate),
		messages:   make(map[string][]models.Message),
	}
}

var _ Store = (*Memory)(nil)

func (s *Memory) CreateUser(u *models.User) error {
	s.mu.Lock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Users, Key: u.ID, Doc: &cp})
	return nil
}

func (s *Memory) GetUser(uid string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *Memory) UsernameTaken(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) UpdateUserFields(uid string, fields map[string]interface{}) error {
	s.mu.Lock()
	u, ok := s.users[uid]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	for k, v := range fields {
		switch k {
		case "status":
			u.Status, _ = v.(string)
		case "mic_on":
			u.MicOn, _ = v.(bool)
		case "cam_on":
			u.CamOn, _ = v.(bool)
		case "match_preference":
			u.MatchPreference, _ = v.(string)
		}
	}
	cp := *u
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Users, Key: uid, Doc: &cp})
	return nil
}

func (s *Memory) DeleteUserCascade(uid string) error {
	s.mu.Lock()
	delete(s.users, uid)
	delete(s.queue, uid)
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: uid})
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Users, Key: uid})
	return nil
}

func (s *Memory) CountOnline() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *Memory) Enqueue(e *models.QueueEntry) error {
	s.mu.Lock()
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = s.now()
	}
	cp := *e
	s.queue[e.UserID] = &cp
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Queue, Key: e.UserID, Doc: &cp})
	return nil
}

func (s *Memory) RemoveFromQueue(uid string) error {
	s.mu.Lock()
	_, ok := s.queue[uid]
	delete(s.queue, uid)
	s.mu.Unlock()
	if ok {
		s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: uid})
	}
	return nil
}

func (s *Memory) OldestQueueEntries(limit int, excludeUID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	entries := make([]models.QueueEntry, 0, len(s.queue))
	for uid, e := range s.queue {
		if uid == excludeUID {
			continue
		}
		entries = append(entries, *e)
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Memory) CommitMatch(callerID, calleeID string) (*models.ChatSession, error) {
	s.mu.Lock()
	if _, ok := s.queue[callerID]; !ok {
		s.mu.Unlock()
		return nil, ErrContention
	}
	if _, ok := s.queue[calleeID]; !ok {
		s.mu.Unlock()
		return nil, ErrContention
	}
	// 任一方已在活跃会话中时中止：每用户至多一个活跃会话。
	for _, existing := range s.sessions {
		if existing.Has(callerID) || existing.Has(calleeID) {
			s.mu.Unlock()
			return nil, ErrContention
		}
	}
	sess := &models.ChatSession{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		CreatedAt: s.now(),
	}
	s.sessions[sess.ID] = sess
	s.signals[feed.SubKey(sess.ID, callerID)] = &models.PeerSignal{SessionID: sess.ID, UserID: callerID}
	s.signals[feed.SubKey(sess.ID, calleeID)] = &models.PeerSignal{SessionID: sess.ID, UserID: calleeID}
	delete(s.queue, callerID)
	delete(s.queue, calleeID)
	for _, uid := range []string{callerID, calleeID} {
		if u, ok := s.users[uid]; ok {
			u.Status = models.StatusInChat
		}
	}
	cp := *sess
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: callerID})
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Queue, Key: calleeID})
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Sessions, Key: cp.ID, Doc: &cp})
	return &cp, nil
}

func (s *Memory) GetSession(id string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *Memory) ActiveSessionFor(uid string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ChatSession
	for _, sess := range s.sessions {
		if !sess.Has(uid) {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *Memory) DeleteSessionCascade(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	for _, uid := range sess.Participants() {
		delete(s.signals, feed.SubKey(id, uid))
		delete(s.candidates, feed.SubKey(id, uid))
	}
	delete(s.messages, id)
	delete(s.sessions, id)
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpDelete, Collection: feed.Sessions, Key: id})
	return nil
}

func (s *Memory) CountSessions() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sessions)), nil
}

func (s *Memory) PutOffer(sessionID, uid string, desc models.SessionDescription) error {
	return s.putSignal(sessionID, uid, func(rec *models.PeerSignal) {
		rec.OfferType = desc.Type
		rec.OfferSDP = desc.SDP
	})
}

func (s *Memory) PutAnswer(sessionID, uid string, desc models.SessionDescription) error {
	return s.putSignal(sessionID, uid, func(rec *models.PeerSignal) {
		rec.AnswerType = desc.Type
		rec.AnswerSDP = desc.SDP
	})
}

func (s *Memory) putSignal(sessionID, uid string, mutate func(*models.PeerSignal)) error {
	key := feed.SubKey(sessionID, uid)
	s.mu.Lock()
	rec, ok := s.signals[key]
	if !ok {
		// 会话已被并发拆除，静默忽略。
		s.mu.Unlock()
		return nil
	}
	mutate(rec)
	rec.UpdatedAt = s.now()
	cp := *rec
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Signals, Key: key, Doc: &cp})
	return nil
}

func (s *Memory) GetPeerSignal(sessionID, uid string) (*models.PeerSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.signals[feed.SubKey(sessionID, uid)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *Memory) AddCandidate(sessionID, uid, payload string) (*models.IceCandidate, error) {
	key := feed.SubKey(sessionID, uid)
	s.mu.Lock()
	if _, ok := s.signals[key]; !ok {
		// 会话已被并发拆除，丢弃滴流候选以免留下孤儿子记录。
		s.mu.Unlock()
		return nil, nil
	}
	s.nextCandID++
	cand := models.IceCandidate{
		ID:        s.nextCandID,
		SessionID: sessionID,
		UserID:    uid,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	s.candidates[key] = append(s.candidates[key], cand)
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Candidates, Key: key, Doc: &cand})
	return &cand, nil
}

func (s *Memory) ListCandidates(sessionID, uid string) ([]models.IceCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.candidates[feed.SubKey(sessionID, uid)]
	out := make([]models.IceCandidate, len(src))
	copy(out, src)
	return out, nil
}

func (s *Memory) AppendMessage(m *models.Message) error {
	s.mu.Lock()
	s.nextMsgID++
	m.ID = s.nextMsgID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], cp)
	s.mu.Unlock()
	s.bus.Publish(feed.Event{Op: feed.OpPut, Collection: feed.Messages, Key: m.SessionID, Doc: &cp})
	return nil
}

func (s *Memory) ListMessages(sessionID string, limit int, beforeID uint) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.messages[sessionID]
	out := make([]models.Message, 0, limit)
	for _, m := range src {
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
