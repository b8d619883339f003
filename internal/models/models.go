package models

import "time"

// 性别与匹配偏好取值。
const (
	GenderMale   = "male"
	GenderFemale = "female"

	PrefMale   = "male"
	PrefFemale = "female"
	PrefBoth   = "both"
)

// 用户状态。offline 不会被持久化：用户记录的存在即在线信号，
// 转为 offline 时直接删除记录。
const (
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusInChat    = "in-chat"
	StatusOffline   = "offline"
)

// User 是匿名用户档案，记录存在即在线。
type User struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	Username        string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Gender          string    `gorm:"size:16;not null" json:"gender"`
	MatchPreference string    `gorm:"size:16;not null" json:"match_preference"`
	MicOn           bool      `gorm:"not null" json:"mic_on"`
	CamOn           bool      `gorm:"not null" json:"cam_on"`
	Status          string    `gorm:"size:16;not null;index" json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// QueueEntry 表示一个正在等待配对的用户，字段为入队时的快照。
// 记录存在当且仅当用户处于 searching 且未被配对。
type QueueEntry struct {
	UserID          string    `gorm:"primaryKey;size:36" json:"user_id"`
	Gender          string    `gorm:"size:16;not null" json:"gender"`
	MatchPreference string    `gorm:"size:16;not null" json:"match_preference"`
	MicOn           bool      `gorm:"not null" json:"mic_on"`
	CamOn           bool      `gorm:"not null" json:"cam_on"`
	EnqueuedAt      time.Time `gorm:"index;not null" json:"enqueued_at"`
}

// ChatSession 表示一次活跃配对。caller/callee 角色在创建时固定：
// 配对提交方为 caller，被动发现方为 callee，永不互换。
type ChatSession struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CallerID  string    `gorm:"size:36;not null;index" json:"caller_id"`
	CalleeID  string    `gorm:"size:36;not null;index" json:"callee_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Participants 返回会话双方的用户 ID。
func (s *ChatSession) Participants() [2]string {
	return [2]string{s.CallerID, s.CalleeID}
}

// PartnerOf 返回 uid 的对端 ID；uid 不属于该会话时返回空串。
func (s *ChatSession) PartnerOf(uid string) string {
	switch uid {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	}
	return ""
}

// Has 检查 uid 是否为会话参与者。
func (s *ChatSession) Has(uid string) bool {
	return uid == s.CallerID || uid == s.CalleeID
}

// SessionDescription 是不透明的 SDP 载荷（offer 或 answer）。
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PeerSignal 保存某一参与者在某会话中的出站信令：
// 每个参与者至多一个 offer、至多一个 answer。
type PeerSignal struct {
	SessionID  string    `gorm:"primaryKey;size:36" json:"session_id"`
	UserID     string    `gorm:"primaryKey;size:36" json:"user_id"`
	OfferType  string    `gorm:"size:16" json:"offer_type"`
	OfferSDP   string    `gorm:"type:text" json:"offer_sdp"`
	AnswerType string    `gorm:"size:16" json:"answer_type"`
	AnswerSDP  string    `gorm:"type:text" json:"answer_sdp"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Offer 返回已写入的 offer；尚未写入时返回 nil。
func (p *PeerSignal) Offer() *SessionDescription {
	if p.OfferType == "" {
		return nil
	}
	return &SessionDescription{Type: p.OfferType, SDP: p.OfferSDP}
}

// Answer 返回已写入的 answer；尚未写入时返回 nil。
func (p *PeerSignal) Answer() *SessionDescription {
	if p.AnswerType == "" {
		return nil
	}
	return &SessionDescription{Type: p.AnswerType, SDP: p.AnswerSDP}
}

// IceCandidate 是参与者滴流出的网络候选。自增 ID 即追加顺序，
// 对端必须按该顺序应用。Payload 为不透明 JSON。
type IceCandidate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:36;not null;index:idx_cand_session_user" json:"session_id"`
	UserID    string    `gorm:"size:36;not null;index:idx_cand_session_user" json:"user_id"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Message 是会话内的文字/图片消息。附件上传不在本层范围内，
// ImageURL 仅作为不透明引用携带。
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"session_id"`
	SenderID  string    `gorm:"size:36;not null" json:"sender_id"`
	Text      string    `gorm:"type:text" json:"text"`
	ImageURL  string    `gorm:"type:text" json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PreferenceAccepts 判断偏好 pref 是否接受性别 gender。
func PreferenceAccepts(pref, gender string) bool {
	return pref == PrefBoth || pref == gender
}

// MutuallyCompatible 判断双方是否互相满足对方的性别偏好。
func MutuallyCompatible(a, b *QueueEntry) bool {
	return PreferenceAccepts(a.MatchPreference, b.Gender) &&
		PreferenceAccepts(b.MatchPreference, a.Gender)
}
