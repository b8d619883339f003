package match

import (
	"errors"

	"github.com/rs/zerolog/log"

	"ranchat/internal/metrics"
	"ranchat/internal/models"
	"ranchat/internal/store"
)

// Match 是一次成功配对的结果。提交配对的一方即 caller，
// 负责发出初始 offer；对端经被动监听发现会话后作为 callee 应答。
type Match struct {
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
	Caller    bool   `json:"caller"`
}

// Matchmaker 实现配对算法：读取最老的一批队列条目，按双向偏好
// 兼容性分组，逐个尝试条件事务提交。
type Matchmaker struct {
	store         store.Store
	scanLimit     int
	allowFallback bool
}

func New(s store.Store, scanLimit int, allowFallback bool) *Matchmaker {
	if scanLimit <= 0 {
		scanLimit = 20
	}
	return &Matchmaker{store: s, scanLimit: scanLimit, allowFallback: allowFallback}
}

// FindPartner 为 uid 尝试一次即时配对。返回 (nil, nil) 表示暂无匹配，
// 调用方留在队列中等待被动监听通知；返回错误仅发生在存储不可达时。
//
// 候选必须严格串行尝试：对同一候选并发发起事务只会放大竞争。
// 事务因 ErrContention 中止是预期内结果（别的匹配方赢了），
// 低级别记日志后换下一个候选。
func (m *Matchmaker) FindPartner(uid string) (*Match, error) {
	self, err := m.store.GetUser(uid)
	if err != nil {
		return nil, err
	}
	if self == nil {
		// 用户已下线，无事可做。
		return nil, nil
	}

	entries, err := m.store.OldestQueueEntries(m.scanLimit, uid)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	me := &models.QueueEntry{UserID: uid, Gender: self.Gender, MatchPreference: self.MatchPreference}
	candidates := m.partition(me, entries)

	for i := range candidates {
		partnerID := candidates[i].UserID
		sess, err := m.store.CommitMatch(uid, partnerID)
		if err != nil {
			if errors.Is(err, store.ErrContention) {
				metrics.MatchContentionTotal.Inc()
				log.Debug().Str("user_id", uid).Str("candidate", partnerID).Msg("match lost race, trying next candidate")
				continue
			}
			// 存储不可达：整个调用失败，由上层决定是否重试。
			return nil, err
		}
		metrics.MatchesTotal.Inc()
		if n, err := m.store.CountSessions(); err == nil {
			metrics.ActiveSessions.Set(float64(n))
		}
		log.Info().Str("session_id", sess.ID).Str("caller", uid).Str("callee", partnerID).Msg("match committed")
		return &Match{SessionID: sess.ID, PartnerID: partnerID, Caller: true}, nil
	}
	return nil, nil
}

// partition 把候选分为互相兼容的 preferred 与其余 fallback，
// preferred 在前。两组内部都保持最老优先的原始顺序以保证公平。
// fallback 是产品策略（防止完全不兼容的池子里有人永远等待），
// 可经配置关闭，关闭后只尝试互相兼容的候选。
func (m *Matchmaker) partition(me *models.QueueEntry, entries []models.QueueEntry) []models.QueueEntry {
	preferred := make([]models.QueueEntry, 0, len(entries))
	other := make([]models.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if models.MutuallyCompatible(me, &e) {
			preferred = append(preferred, e)
		} else {
			other = append(other, e)
		}
	}
	if !m.allowFallback {
		return preferred
	}
	return append(preferred, other...)
}
