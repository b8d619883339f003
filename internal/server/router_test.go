package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"ranchat/internal/config"
	"ranchat/internal/feed"
	"ranchat/internal/match"
	"ranchat/internal/presence"
	"ranchat/internal/service"
	"ranchat/internal/session"
	"ranchat/internal/signal"
	"ranchat/internal/store"
	"ranchat/internal/ws"
)

func newTestServer(t *testing.T) (*gin.Engine, store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Port:            "0",
		JWTSecret:       "test-secret",
		Env:             "dev",
		TokenTTLMinutes: 15,
		MatchScanLimit:  20,
	}
	bus := feed.NewBus()
	s := store.NewMemory(bus)
	lc := session.NewLifecycle(s, bus)
	queueSvc := service.NewQueueService(s, match.New(s, cfg.MatchScanLimit, true), lc)
	msgSvc := service.NewMessageService(s)
	pm := presence.NewManager(s, lc)
	h := NewHandler(service.NewUserService(s, cfg), queueSvc, msgSvc, pm, lc, s)
	hub := ws.NewHub()
	deps := ws.Deps{
		Cfg:       cfg,
		Store:     s,
		Bus:       bus,
		Queue:     queueSvc,
		Messages:  msgSvc,
		Presence:  pm,
		Broker:    signal.NewBroker(s, bus),
		Lifecycle: lc,
	}
	return SetupRouter(cfg, h, hub, deps), s
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, token, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf *bytes.Buffer
	if body != "" {
		buf = bytes.NewBufferString(body)
	} else {
		buf = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	var out map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func registerUser(t *testing.T, engine *gin.Engine, username, gender, pref string) (uid, token string) {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"gender":%q,"match_preference":%q,"mic_on":true,"cam_on":true}`, username, gender, pref)
	w, out := doJSON(t, engine, http.MethodPost, "/api/v1/users", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("register %s: status %d body %s", username, w.Code, w.Body.String())
	}
	user := out["user"].(map[string]interface{})
	return user["id"].(string), out["token"].(string)
}

func TestHealthz(t *testing.T) {
	engine, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegister_Validation(t *testing.T) {
	engine, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ok", `{"username":"alice","gender":"female","match_preference":"both"}`, http.StatusOK},
		{"duplicate username", `{"username":"alice","gender":"male","match_preference":"both"}`, http.StatusConflict},
		{"bad gender", `{"username":"bob","gender":"robot","match_preference":"both"}`, http.StatusBadRequest},
		{"missing fields", `{"username":"bob"}`, http.StatusBadRequest},
		{"not json", `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doJSON(t, engine, http.MethodPost, "/api/v1/users", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuthedRoutes_RequireToken(t *testing.T) {
	engine, _ := newTestServer(t)
	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/users/me"},
		{http.MethodPost, "/api/v1/queue/join"},
		{http.MethodPost, "/api/v1/sessions/x/end"},
	}
	for _, p := range paths {
		w, _ := doJSON(t, engine, p.method, p.path, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", p.method, p.path, w.Code)
		}
	}
}

func TestQueueFlow_MatchAndMessages(t *testing.T) {
	engine, _ := newTestServer(t)
	_, tokenA := registerUser(t, engine, "alice", "female", "both")
	uidB, tokenB := registerUser(t, engine, "bob", "male", "both")
	_ = uidB

	// 第一个人入队，无人可配
	w, out := doJSON(t, engine, http.MethodPost, "/api/v1/queue/join", tokenA, "")
	if w.Code != http.StatusOK {
		t.Fatalf("join A: status %d", w.Code)
	}
	if out["match"] != nil {
		t.Fatalf("join A: unexpected match %v", out["match"])
	}

	// 第二个人入队即配对
	w, out = doJSON(t, engine, http.MethodPost, "/api/v1/queue/join", tokenB, "")
	if w.Code != http.StatusOK {
		t.Fatalf("join B: status %d", w.Code)
	}
	m, ok := out["match"].(map[string]interface{})
	if !ok {
		t.Fatalf("join B: no match in %v", out)
	}
	sessID := m["session_id"].(string)
	if m["caller"] != true {
		t.Error("join B: committing side must be caller")
	}

	// 会话内发消息与查历史
	w, _ = doJSON(t, engine, http.MethodPost, "/api/v1/sessions/"+sessID+"/messages", tokenB, `{"text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("post message: status %d body %s", w.Code, w.Body.String())
	}
	w, out = doJSON(t, engine, http.MethodGet, "/api/v1/sessions/"+sessID+"/messages", tokenA, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list messages: status %d", w.Code)
	}
	msgs := out["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}

	// 外人不能碰这个会话
	_, tokenC := registerUser(t, engine, "carol", "female", "both")
	w, _ = doJSON(t, engine, http.MethodGet, "/api/v1/sessions/"+sessID+"/messages", tokenC, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider list: status %d, want 403", w.Code)
	}
	w, _ = doJSON(t, engine, http.MethodPost, "/api/v1/sessions/"+sessID+"/end", tokenC, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider end: status %d, want 403", w.Code)
	}

	// 参与者结束会话，重复结束 404
	w, _ = doJSON(t, engine, http.MethodPost, "/api/v1/sessions/"+sessID+"/end", tokenA, "")
	if w.Code != http.StatusOK {
		t.Fatalf("end session: status %d", w.Code)
	}
	w, _ = doJSON(t, engine, http.MethodPost, "/api/v1/sessions/"+sessID+"/end", tokenB, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("double end: status %d, want 404", w.Code)
	}
}

// requeue=true 时结束即重新排队，为假（或无 body）时身份随之消失。
func TestEndSession_RequeueOrOffline(t *testing.T) {
	engine, s := newTestServer(t)
	uidA, tokenA := registerUser(t, engine, "alice", "female", "both")
	uidB, tokenB := registerUser(t, engine, "bob", "male", "both")

	if w, _ := doJSON(t, engine, http.MethodPost, "/api/v1/queue/join", tokenA, ""); w.Code != http.StatusOK {
		t.Fatalf("join A: status %d", w.Code)
	}
	w, out := doJSON(t, engine, http.MethodPost, "/api/v1/queue/join", tokenB, "")
	if w.Code != http.StatusOK {
		t.Fatalf("join B: status %d", w.Code)
	}
	sessID := out["match"].(map[string]interface{})["session_id"].(string)

	// A 结束并重新排队：档案保留、状态 searching、重新入队
	w, out = doJSON(t, engine, http.MethodPost, "/api/v1/sessions/"+sessID+"/end", tokenA, `{"requeue":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("end+requeue: status %d", w.Code)
	}
	if out["match"] != nil {
		t.Errorf("end+requeue: unexpected match %v", out["match"])
	}
	if u, _ := s.GetUser(uidA); u == nil || u.Status != "searching" {
		t.Errorf("user A after requeue = %+v, want searching", u)
	}
	entries, _ := s.OldestQueueEntries(10, "")
	if len(entries) != 1 || entries[0].UserID != uidA {
		t.Errorf("queue after requeue = %+v, want [A]", entries)
	}

	// B 对已结束会话再 end 得 404，随后 offline 由状态接口完成
	if w, _ := doJSON(t, engine, http.MethodPost, "/api/v1/sessions/"+sessID+"/end", tokenB, ""); w.Code != http.StatusNotFound {
		t.Errorf("stale end: status %d, want 404", w.Code)
	}
	if u, _ := s.GetUser(uidB); u == nil {
		t.Error("user B dissolved by stale end")
	}
}

func TestQueueCancel(t *testing.T) {
	engine, s := newTestServer(t)
	uid, token := registerUser(t, engine, "alice", "female", "both")

	if w, _ := doJSON(t, engine, http.MethodPost, "/api/v1/queue/join", token, ""); w.Code != http.StatusOK {
		t.Fatalf("join: status %d", w.Code)
	}
	if w, _ := doJSON(t, engine, http.MethodPost, "/api/v1/queue/cancel", token, ""); w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", w.Code)
	}
	entries, err := s.OldestQueueEntries(10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("queue entries = %d, want 0", len(entries))
	}
	u, _ := s.GetUser(uid)
	if u.Status != "idle" {
		t.Errorf("status = %s, want idle", u.Status)
	}
}

func TestUpdateProfileAndStatus(t *testing.T) {
	engine, s := newTestServer(t)
	uid, token := registerUser(t, engine, "alice", "female", "both")

	w, out := doJSON(t, engine, http.MethodPatch, "/api/v1/users/me", token, `{"mic_on":false,"match_preference":"male"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", w.Code, w.Body.String())
	}
	user := out["user"].(map[string]interface{})
	if user["mic_on"] != false || user["match_preference"] != "male" {
		t.Errorf("profile not updated: %v", user)
	}

	w, _ = doJSON(t, engine, http.MethodPatch, "/api/v1/users/me", token, `{"match_preference":"nobody"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad preference: status %d, want 400", w.Code)
	}

	// offline 即注销：记录删除，旧令牌随之失效
	w, _ = doJSON(t, engine, http.MethodPost, "/api/v1/users/me/status", token, `{"status":"offline"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("offline: status %d", w.Code)
	}
	if u, _ := s.GetUser(uid); u != nil {
		t.Error("user record survived offline transition")
	}
	w, _ = doJSON(t, engine, http.MethodGet, "/api/v1/users/me", token, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("stale token: status %d, want 401", w.Code)
	}
}
