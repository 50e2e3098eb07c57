package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"deploy-deadman/internal/domain"
	"deploy-deadman/internal/service"
)

type stubSender struct{}

func (stubSender) SendCheckinReminder(_ context.Context, _ string, _ string) error {
	return nil
}

func (stubSender) SendTriggerMessages(_ context.Context, _ string, _ []domain.BeneficiaryMessage) error {
	return nil
}

type memSnapshotRepo struct {
	mu    sync.Mutex
	items map[string]domain.SwitchSnapshot
}

func newMemSnapshotRepo() *memSnapshotRepo {
	return &memSnapshotRepo{items: make(map[string]domain.SwitchSnapshot)}
}

func (r *memSnapshotRepo) Save(_ context.Context, snapshot domain.SwitchSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[snapshot.UserKey] = snapshot
	return nil
}

func (r *memSnapshotRepo) LoadAll(_ context.Context) ([]domain.SwitchSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SwitchSnapshot, 0, len(r.items))
	for _, snap := range r.items {
		out = append(out, snap)
	}
	return out, nil
}

func (r *memSnapshotRepo) Delete(_ context.Context, userKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, userKey)
	return nil
}

type memMessageRepo struct {
	mu     sync.Mutex
	byUser map[string][]domain.BeneficiaryMessage
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{byUser: make(map[string][]domain.BeneficiaryMessage)}
}

func (r *memMessageRepo) Upsert(_ context.Context, message domain.BeneficiaryMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.byUser[message.UserKey]
	for i, existing := range msgs {
		if existing.ID == message.ID {
			msgs[i] = message
			return nil
		}
	}
	r.byUser[message.UserKey] = append(msgs, message)
	return nil
}

func (r *memMessageRepo) ListByUser(_ context.Context, userKey string) ([]domain.BeneficiaryMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[userKey], nil
}

func (r *memMessageRepo) DeleteByUser(_ context.Context, userKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userKey)
	return nil
}

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]domain.User)}
}

func (r *memUserRepo) Create(_ context.Context, user domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.Email] = user
	return nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[email]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return user, nil
}

type deadmanTestEnv struct {
	router   *gin.Engine
	tokens   service.TokenRegistry
	messages *memMessageRepo
	jwtSvc   *service.JWTService
}

func newDeadmanTestEnv(t *testing.T) *deadmanTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	tokens := service.NewMemoryTokenRegistry()
	messages := newMemMessageRepo()
	manager := service.NewSessionManager(logger, tokens, stubSender{}, newMemSnapshotRepo(),
		5*time.Millisecond, time.Hour)
	t.Cleanup(manager.Close)

	jwtSvc := service.NewJWTServiceWithStore("secret", 15*time.Minute, 30*time.Minute, service.NewMemoryRefreshTokenStore())
	userSvc := service.NewUserService(logger, newMemUserRepo(), nil)
	authH := NewAuthHandler(logger, userSvc, jwtSvc)
	deadmanH := NewDeadmanHandler(logger, manager, messages)

	return &deadmanTestEnv{
		router:   NewRouter(logger, jwtSvc, authH, deadmanH),
		tokens:   tokens,
		messages: messages,
		jwtSvc:   jwtSvc,
	}
}

func (env *deadmanTestEnv) authHeader(t *testing.T, email string) string {
	t.Helper()
	pair, err := env.jwtSvc.GeneratePair(domain.User{ID: "u1", Email: email})
	if err != nil {
		t.Fatalf("generate pair: %v", err)
	}
	return "Bearer " + pair.AccessToken
}

func (env *deadmanTestEnv) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestDeadmanRoutesRequireAuth(t *testing.T) {
	env := newDeadmanTestEnv(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/deadman/emails"},
		{http.MethodGet, "/deadman/emails"},
		{http.MethodPost, "/deadman/activate"},
		{http.MethodPost, "/deadman/deactivate"},
		{http.MethodGet, "/deadman/timer-status"},
		{http.MethodGet, "/deadman/deadman-status"},
		{http.MethodPost, "/deadman/reset"},
	} {
		rec := env.do(t, route.method, route.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, rec.Code)
		}
	}
}

func TestSaveAndListEmails(t *testing.T) {
	env := newDeadmanTestEnv(t)
	auth := env.authHeader(t, "user@example.com")

	rec := env.do(t, http.MethodPost, "/deadman/emails", auth, gin.H{
		"recipient": "heir@example.com",
		"body":      "instrucciones",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save email: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/deadman/emails", auth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list emails: expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Count    int                         `json:"count"`
		Messages []domain.BeneficiaryMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if listResp.Count != 1 || len(listResp.Messages) != 1 {
		t.Fatalf("expected one message, got %+v", listResp)
	}
	if listResp.Messages[0].Subject != "Important message from user@example.com" {
		t.Fatalf("expected default subject, got %q", listResp.Messages[0].Subject)
	}
}

func TestSaveEmailRejectsInvalidRecipient(t *testing.T) {
	env := newDeadmanTestEnv(t)
	auth := env.authHeader(t, "user@example.com")

	rec := env.do(t, http.MethodPost, "/deadman/emails", auth, gin.H{
		"recipient": "not-an-email",
		"body":      "instrucciones",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestActivateFlow(t *testing.T) {
	env := newDeadmanTestEnv(t)
	auth := env.authHeader(t, "user@example.com")

	// Sin mensajes configurados no hay nada que disparar.
	rec := env.do(t, http.MethodPost, "/deadman/activate", auth, gin.H{
		"checkin_interval":  "1-hour",
		"inactivity_period": "1-day",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("activate without messages: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/deadman/emails", auth, gin.H{
		"recipient": "heir@example.com",
		"body":      "instrucciones",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save email: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/deadman/activate", auth, gin.H{
		"checkin_interval":  "1-hour",
		"inactivity_period": "13-months",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("activate with bad interval: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/deadman/activate", auth, gin.H{
		"checkin_interval":  "1-hour",
		"inactivity_period": "1-day",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/deadman/activate", auth, gin.H{
		"checkin_interval":  "1-hour",
		"inactivity_period": "1-day",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("double activate: expected 409, got %d", rec.Code)
	}

	// Con el switch armado los mensajes quedan congelados.
	rec = env.do(t, http.MethodPost, "/deadman/emails", auth, gin.H{
		"recipient": "other@example.com",
		"body":      "otro",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("save email while armed: expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/deadman/timer-status", auth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("timer status: expected 200, got %d", rec.Code)
	}
	var timerResp struct {
		Active          bool  `json:"active"`
		NextCheckinMs   int64 `json:"next_checkin_ms"`
		DeadmanExpiryMs int64 `json:"deadman_expiry_ms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &timerResp); err != nil {
		t.Fatalf("decode timer status: %v", err)
	}
	if !timerResp.Active || timerResp.NextCheckinMs <= 0 || timerResp.DeadmanExpiryMs <= 0 {
		t.Fatalf("unexpected timer status %+v", timerResp)
	}
	if timerResp.NextCheckinMs > timerResp.DeadmanExpiryMs {
		t.Fatalf("reminder must come before expiry: %+v", timerResp)
	}

	rec = env.do(t, http.MethodPost, "/deadman/deactivate", auth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/deadman/deactivate", auth, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("double deactivate: expected 400, got %d", rec.Code)
	}
}

func TestCheckinEndpoint(t *testing.T) {
	env := newDeadmanTestEnv(t)
	auth := env.authHeader(t, "user@example.com")

	rec := env.do(t, http.MethodPost, "/deadman/emails", auth, gin.H{
		"recipient": "heir@example.com",
		"body":      "instrucciones",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save email: expected 200, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/deadman/activate", auth, gin.H{
		"checkin_interval":  "1-hour",
		"inactivity_period": "1-day",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", rec.Code)
	}

	token, err := env.tokens.Issue("user@example.com")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/deadman/checkin/"+token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkin: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Check-In Successful") {
		t.Fatalf("expected success page, got %s", rec.Body.String())
	}

	// El token es de un solo uso.
	rec = env.do(t, http.MethodGet, "/deadman/checkin/"+token, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reused token: expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid Check-In Link") {
		t.Fatalf("expected invalid page, got %s", rec.Body.String())
	}
}

func TestCheckinEndpointUnknownToken(t *testing.T) {
	env := newDeadmanTestEnv(t)

	rec := env.do(t, http.MethodGet, "/deadman/checkin/bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid Check-In Link") {
		t.Fatalf("expected invalid page, got %s", rec.Body.String())
	}
}

func TestDeadmanStatusLifecycle(t *testing.T) {
	env := newDeadmanTestEnv(t)
	auth := env.authHeader(t, "user@example.com")

	rec := env.do(t, http.MethodGet, "/deadman/deadman-status", auth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var statusResp struct {
		Triggered bool `json:"triggered"`
		CanReset  bool `json:"can_reset"`
		Active    bool `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &statusResp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if statusResp.Triggered || statusResp.CanReset || statusResp.Active {
		t.Fatalf("expected idle status, got %+v", statusResp)
	}

	rec = env.do(t, http.MethodPost, "/deadman/reset", auth, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reset without trigger: expected 409, got %d", rec.Code)
	}
}

func TestAuthRegisterAndLogin(t *testing.T) {
	env := newDeadmanTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/register", "", gin.H{
		"email":    "user@example.com",
		"password": "secret-password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/auth/login", "", gin.H{
		"email":    "user@example.com",
		"password": "secret-password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	var loginResp struct {
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if loginResp.Tokens.AccessToken == "" || loginResp.Tokens.RefreshToken == "" {
		t.Fatalf("expected token pair")
	}

	rec = env.do(t, http.MethodPost, "/auth/login", "", gin.H{
		"email":    "user@example.com",
		"password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: expected 401, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/auth/refresh", "", gin.H{
		"refresh_token": loginResp.Tokens.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rec.Code)
	}

	// El refresh rota el token anterior.
	rec = env.do(t, http.MethodPost, "/auth/refresh", "", gin.H{
		"refresh_token": loginResp.Tokens.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh: expected 401, got %d", rec.Code)
	}
}
