package service

import (
	"strings"
	"time"

	"ranchat/internal/metrics"
	"ranchat/internal/models"
	"ranchat/internal/store"
)

// MessageService 封装会话内消息的业务逻辑。消息随会话一起删除，
// 历史只对会话参与者可见。
type MessageService struct {
	store store.Store
}

func NewMessageService(s store.Store) *MessageService {
	return &MessageService{store: s}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	Type      string    `json:"type"`
	ID        uint      `json:"id"`
	SessionID string    `json:"session_id"`
	SenderID  string    `json:"sender_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// session 校验会话存在且 uid 是参与者。
func (s *MessageService) session(sessionID, uid string) (*models.ChatSession, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if !sess.Has(uid) {
		return nil, ErrNotParticipant
	}
	return sess, nil
}

// ListBySession 分页查询会话消息，按 id 升序返回。
func (s *MessageService) ListBySession(sessionID, uid string, limit int, beforeID uint) ([]MessageDTO, error) {
	if _, err := s.session(sessionID, uid); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := s.store.ListMessages(sessionID, limit, beforeID)
	if err != nil {
		return nil, err
	}
	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.toDTO(&m, usernames[m.SenderID]))
	}
	return out, nil
}

// Append 追加一条消息。文字与图片引用至少要有其一。
func (s *MessageService) Append(sessionID, uid, text, imageURL string) (*MessageDTO, error) {
	if _, err := s.session(sessionID, uid); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" && imageURL == "" {
		return nil, ErrEmptyMessage
	}
	msg := models.Message{SessionID: sessionID, SenderID: uid, Text: text, ImageURL: imageURL}
	if err := s.store.AppendMessage(&msg); err != nil {
		return nil, err
	}
	metrics.ChatMessagesTotal.Inc()

	username := ""
	if u, err := s.store.GetUser(uid); err == nil && u != nil {
		username = u.Username
	}
	dto := s.toDTO(&msg, username)
	return &dto, nil
}

func (s *MessageService) toDTO(m *models.Message, username string) MessageDTO {
	return MessageDTO{
		Type:      "message",
		ID:        m.ID,
		SessionID: m.SessionID,
		SenderID:  m.SenderID,
		Username:  username,
		Text:      m.Text,
		ImageURL:  m.ImageURL,
		CreatedAt: m.CreatedAt,
	}
}

// resolveUsernames 批量获取消息涉及的用户名。发送方可能已下线，
// 此时用户名留空。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[string]string, error) {
	usernames := make(map[string]string, 2)
	for _, m := range msgs {
		if _, ok := usernames[m.SenderID]; ok {
			continue
		}
		u, err := s.store.GetUser(m.SenderID)
		if err != nil {
			return nil, err
		}
		if u != nil {
			usernames[m.SenderID] = u.Username
		} else {
			usernames[m.SenderID] = ""
		}
	}
	return usernames, nil
}
