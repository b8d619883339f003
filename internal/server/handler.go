package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ranchat/internal/auth"
	"ranchat/internal/models"
	"ranchat/internal/presence"
	"ranchat/internal/service"
	"ranchat/internal/session"
	"ranchat/internal/store"
)

// Handler 聚合所有 HTTP handler，依赖注入各协调组件。
type Handler struct {
	userSvc   *service.UserService
	queueSvc  *service.QueueService
	msgSvc    *service.MessageService
	presence  *presence.Manager
	lifecycle *session.Lifecycle
	store     store.Store
}

func NewHandler(userSvc *service.UserService, queueSvc *service.QueueService, msgSvc *service.MessageService, pm *presence.Manager, lc *session.Lifecycle, s store.Store) *Handler {
	return &Handler{userSvc: userSvc, queueSvc: queueSvc, msgSvc: msgSvc, presence: pm, lifecycle: lc, store: s}
}

// Register 创建匿名档案并签发令牌。
func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Register(req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		case errors.Is(err, service.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
		default:
			log.Error().Err(err).Str("username", req.Username).Msg("register")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": result.User, "token": result.Token})
}

// Me 返回当前用户档案。
func (h *Handler) Me(c *gin.Context) {
	user, err := h.store.GetUser(auth.GetUserID(c))
	if err != nil || user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// UpdateProfile 更新媒体开关与匹配偏好。
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req service.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, err := h.userSvc.UpdateProfile(auth.GetUserID(c), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		case errors.Is(err, service.ErrUserNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		default:
			log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg("update profile")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// SetStatus 迁移用户状态，offline 等同于注销身份。
func (h *Handler) SetStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	switch req.Status {
	case models.StatusIdle, models.StatusSearching, models.StatusInChat, models.StatusOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	h.presence.SetStatus(auth.GetUserID(c), req.Status)
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// JoinQueue 入队并立即尝试一次主动配对。配对成功时返回结果
// （本方为 caller），否则 match 为 null，配对通知经 WS 推送。
func (h *Handler) JoinQueue(c *gin.Context) {
	m, err := h.queueSvc.Join(auth.GetUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg("join queue")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m})
}

// CancelQueue 出队，未入队时也是成功。
func (h *Handler) CancelQueue(c *gin.Context) {
	if err := h.queueSvc.Cancel(auth.GetUserID(c)); err != nil {
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg("cancel queue")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionOf 校验会话存在且当前用户是参与者。
func (h *Handler) sessionOf(c *gin.Context) (*models.ChatSession, bool) {
	sess, err := h.store.GetSession(c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("session_id", c.Param("id")).Msg("get session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return nil, false
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	if !sess.Has(auth.GetUserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return nil, false
	}
	return sess, true
}

// EndSession 结束会话并级联清理。重复结束返回 404，对调用方无害。
// requeue 为真时立即重新排队（下一个），为假时转为 offline（离开）。
func (h *Handler) EndSession(c *gin.Context) {
	sess, ok := h.sessionOf(c)
	if !ok {
		return
	}
	var req struct {
		Requeue bool `json:"requeue"`
	}
	_ = c.ShouldBindJSON(&req) // body 可省略
	uid := auth.GetUserID(c)
	h.lifecycle.End(sess.ID, uid)
	if req.Requeue {
		m, err := h.queueSvc.Join(uid)
		if err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("requeue after end")
			c.JSON(http.StatusOK, gin.H{"status": "ended", "match": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ended", "match": m})
		return
	}
	h.presence.SetStatus(uid, models.StatusOffline)
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// ListMessages 分页查询会话消息。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.Atoi(bid); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.ListBySession(c.Param("id"), auth.GetUserID(c), limit, beforeID)
	if err != nil {
		h.messageError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage 追加一条会话消息。
func (h *Handler) PostMessage(c *gin.Context) {
	var req struct {
		Text     string `json:"text"`
		ImageURL string `json:"image_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Append(c.Param("id"), auth.GetUserID(c), req.Text, req.ImageURL)
	if err != nil {
		h.messageError(c, err, "post message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) messageError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, service.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	case errors.Is(err, service.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
	default:
		log.Error().Err(err).Str("session_id", c.Param("id")).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed"})
	}
}
