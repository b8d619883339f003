package service

import (
	"strings"

	"github.com/google/uuid"

	"ranchat/internal/auth"
	"ranchat/internal/config"
	"ranchat/internal/metrics"
	"ranchat/internal/models"
	"ranchat/internal/store"
)

// UserService 封装匿名用户档案的业务逻辑。没有密码，注册即上线、
// 即发令牌，档案随下线一起消失。
type UserService struct {
	store store.Store
	cfg   config.Config
}

func NewUserService(s store.Store, cfg config.Config) *UserService {
	return &UserService{store: s, cfg: cfg}
}

// RegisterInput 是注册请求的载荷。
type RegisterInput struct {
	Username        string `json:"username" binding:"required"`
	Gender          string `json:"gender" binding:"required"`
	MatchPreference string `json:"match_preference" binding:"required"`
	MicOn           bool   `json:"mic_on"`
	CamOn           bool   `json:"cam_on"`
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

func validGender(g string) bool {
	return g == models.GenderMale || g == models.GenderFemale
}

func validPreference(p string) bool {
	return p == models.PrefMale || p == models.PrefFemale || p == models.PrefBoth
}

// Register 创建匿名档案并签发身份令牌。用户名仅在当前在线的
// 用户间要求唯一。
func (s *UserService) Register(in RegisterInput) (*RegisterResult, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || len(username) > 64 || !validGender(in.Gender) || !validPreference(in.MatchPreference) {
		return nil, ErrInvalidInput
	}
	taken, err := s.store.UsernameTaken(username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrUsernameTaken
	}
	user := models.User{
		ID:              uuid.NewString(),
		Username:        username,
		Gender:          in.Gender,
		MatchPreference: in.MatchPreference,
		MicOn:           in.MicOn,
		CamOn:           in.CamOn,
		Status:          models.StatusIdle,
	}
	if err := s.store.CreateUser(&user); err != nil {
		return nil, err
	}
	token, err := auth.GenerateToken(user.ID, s.cfg.JWTSecret, s.cfg.TokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	if n, err := s.store.CountOnline(); err == nil {
		metrics.OnlineUsers.Set(float64(n))
	}
	return &RegisterResult{User: user, Token: token}, nil
}

// ProfileUpdate 是档案更新请求的载荷，nil 字段表示不修改。
type ProfileUpdate struct {
	MatchPreference *string `json:"match_preference"`
	MicOn           *bool   `json:"mic_on"`
	CamOn           *bool   `json:"cam_on"`
}

// UpdateProfile 更新媒体开关与匹配偏好。偏好更新只影响后续入队，
// 不追溯已在队列中的快照。
func (s *UserService) UpdateProfile(uid string, in ProfileUpdate) (*models.User, error) {
	fields := map[string]interface{}{}
	if in.MatchPreference != nil {
		if !validPreference(*in.MatchPreference) {
			return nil, ErrInvalidInput
		}
		fields["match_preference"] = *in.MatchPreference
	}
	if in.MicOn != nil {
		fields["mic_on"] = *in.MicOn
	}
	if in.CamOn != nil {
		fields["cam_on"] = *in.CamOn
	}
	if len(fields) > 0 {
		if err := s.store.UpdateUserFields(uid, fields); err != nil {
			return nil, err
		}
	}
	user, err := s.store.GetUser(uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
