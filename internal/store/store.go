package store

import (
	"errors"

	"ranchat/internal/models"
)

var (
	// ErrContention 表示配对事务中某一方的队列条目已被并发删除，
	// 属于预期内的竞争结果，调用方应换下一个候选重试。
	ErrContention = errors.New("store: queue entry gone, lost the match race")
	// ErrNotFound 表示目标记录不存在。
	ErrNotFound = errors.New("store: not found")
)

// Store 是会话存储的统一接口，跨用户协调（配对、拆除）全部经由它完成。
// 实现包括 Postgres（生产）与 Memory（测试/单机）。所有变更在提交成功后
// 向变更总线发布事件，读操作在记录缺失时按 (nil, nil) 返回而不报错，
// 便于调用方把"目标已被并发删除"当作静默空操作处理。
type Store interface {
	// ---- 用户 ----

	// CreateUser 创建用户档案，记录存在即在线。
	CreateUser(u *models.User) error
	// GetUser 按 ID 查用户，不存在返回 (nil, nil)。
	GetUser(uid string) (*models.User, error)
	// UsernameTaken 检查用户名是否已被在线用户占用。
	UsernameTaken(username string) (bool, error)
	// UpdateUserFields 更新用户部分字段；记录不存在时静默忽略。
	UpdateUserFields(uid string, fields map[string]interface{}) error
	// DeleteUserCascade 删除用户及其队列条目（离线转换），幂等。
	DeleteUserCascade(uid string) error
	// CountOnline 返回在线用户数。
	CountOnline() (int64, error)

	// ---- 等待队列 ----

	// Enqueue 写入（或覆盖）等待队列条目。
	Enqueue(e *models.QueueEntry) error
	// RemoveFromQueue 移除队列条目，幂等。
	RemoveFromQueue(uid string) error
	// OldestQueueEntries 按入队时间升序返回至多 limit 个条目，排除 excludeUID。
	OldestQueueEntries(limit int, excludeUID string) ([]models.QueueEntry, error)

	// ---- 配对 ----

	// CommitMatch 是条件多键事务：在同一原子单元内重读双方队列条目，
	// 任一缺失则以 ErrContention 中止；否则创建会话与双方信令记录、
	// 删除双方队列条目、把双方状态置为 in-chat。不存在可观察的中间态。
	CommitMatch(callerID, calleeID string) (*models.ChatSession, error)

	// ---- 会话 ----

	// GetSession 按 ID 查会话，不存在返回 (nil, nil)。
	GetSession(id string) (*models.ChatSession, error)
	// ActiveSessionFor 返回包含 uid 的活跃会话，没有则 (nil, nil)。
	ActiveSessionFor(uid string) (*models.ChatSession, error)
	// DeleteSessionCascade 级联删除候选、信令记录、消息与会话本身。
	// 幂等：重复删除是静默空操作。
	DeleteSessionCascade(id string) error
	// CountSessions 返回活跃会话数。
	CountSessions() (int64, error)

	// ---- 信令 ----

	// PutOffer 写入参与者的 offer（每会话每参与者至多一个）。
	PutOffer(sessionID, uid string, desc models.SessionDescription) error
	// PutAnswer 写入参与者的 answer。
	PutAnswer(sessionID, uid string, desc models.SessionDescription) error
	// GetPeerSignal 读取参与者的信令记录，不存在返回 (nil, nil)。
	GetPeerSignal(sessionID, uid string) (*models.PeerSignal, error)
	// AddCandidate 追加一条网络候选，自增 ID 即投递顺序。
	AddCandidate(sessionID, uid, payload string) (*models.IceCandidate, error)
	// ListCandidates 按追加顺序返回参与者的全部候选。
	ListCandidates(sessionID, uid string) ([]models.IceCandidate, error)

	// ---- 消息 ----

	// AppendMessage 追加一条会话消息。
	AppendMessage(m *models.Message) error
	// ListMessages 返回会话消息，按 ID 升序。
	ListMessages(sessionID string, limit int, beforeID uint) ([]models.Message, error)
}
