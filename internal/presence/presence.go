package presence

import (
	"github.com/rs/zerolog/log"

	"ranchat/internal/metrics"
	"ranchat/internal/models"
	"ranchat/internal/session"
	"ranchat/internal/store"
)

// Manager 负责用户状态流转。状态是尽力而为的展示信号，不是正确性账本：
// 配对正确性由存储层的原子事务保证，所以这里的失败一律记日志后吞掉。
type Manager struct {
	store     store.Store
	lifecycle *session.Lifecycle
}

func NewManager(s store.Store, lc *session.Lifecycle) *Manager {
	return &Manager{store: s, lifecycle: lc}
}

// SetStatus 迁移用户状态。offline 是唯一权威的下线途径：
// 先结束活跃会话（对端由此得到离开通知），再删除用户记录与
// 队列条目（记录的消失本身就是离线信号）。
// 其余状态仅在记录仍存在时更新，已被并发删除则静默忽略。
func (m *Manager) SetStatus(uid, status string) {
	if uid == "" {
		return
	}
	if status == models.StatusOffline {
		if sess, err := m.store.ActiveSessionFor(uid); err == nil && sess != nil {
			m.lifecycle.End(sess.ID, uid)
		}
		if err := m.store.DeleteUserCascade(uid); err != nil {
			log.Warn().Err(err).Str("user_id", uid).Msg("presence offline delete")
		}
		m.refreshOnlineGauge()
		return
	}
	if err := m.store.UpdateUserFields(uid, map[string]interface{}{"status": status}); err != nil {
		log.Warn().Err(err).Str("user_id", uid).Str("status", status).Msg("presence set status")
	}
}

// UpdateProfile 更新麦克风/摄像头/偏好开关，容忍记录已被并发删除。
// 媒体权限被拒绝不是协调层错误：参与者只是以 cam/mic off 的快照存在。
func (m *Manager) UpdateProfile(uid string, fields map[string]interface{}) {
	if uid == "" || len(fields) == 0 {
		return
	}
	if err := m.store.UpdateUserFields(uid, fields); err != nil {
		log.Warn().Err(err).Str("user_id", uid).Msg("presence update profile")
	}
}

func (m *Manager) refreshOnlineGauge() {
	if n, err := m.store.CountOnline(); err == nil {
		metrics.OnlineUsers.Set(float64(n))
	}
}

// Online 返回在线用户数（仅用于指标与诊断，不参与正确性判断）。
func (m *Manager) Online() int64 {
	n, err := m.store.CountOnline()
	if err != nil {
		log.Warn().Err(err).Msg("presence count online")
		return 0
	}
	return n
}
