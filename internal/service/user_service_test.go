package service

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"deploy-deadman/internal/domain"
)

type mockUserRepo struct {
	usersByEmail map[string]domain.User
	createErr    error
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{usersByEmail: make(map[string]domain.User)}
}

func (m *mockUserRepo) Create(_ context.Context, user domain.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.usersByEmail[user.Email] = user
	return nil
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	user, ok := m.usersByEmail[email]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return user, nil
}

type mockLimiter struct {
	allow bool
}

func (m *mockLimiter) Allow(_ string) bool {
	return m.allow
}

func TestUserServiceRegister_Success(t *testing.T) {
	repo := newMockUserRepo()
	svc := NewUserService(zap.NewNop(), repo, nil)

	user, err := svc.Register(context.Background(), " User@Example.com ", "secret-password")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected normalized email, got %s", user.Email)
	}
	if user.ID == "" {
		t.Fatalf("expected generated id")
	}
	if user.PasswordHash == "" || user.PasswordHash == "secret-password" {
		t.Fatalf("expected hashed password")
	}

	stored, err := repo.GetByEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("expected user stored, got %v", err)
	}
	if stored.ID != user.ID {
		t.Fatalf("expected stored user to match")
	}
}

func TestUserServiceRegister_Validation(t *testing.T) {
	svc := NewUserService(zap.NewNop(), newMockUserRepo(), nil)

	if _, err := svc.Register(context.Background(), "not-an-email", "secret-password"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "", "secret-password"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail for empty email, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "user@example.com", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestUserServiceAuthenticate_Success(t *testing.T) {
	repo := newMockUserRepo()
	svc := NewUserService(zap.NewNop(), repo, nil)

	registered, err := svc.Register(context.Background(), "user@example.com", "secret-password")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	user, err := svc.Authenticate(context.Background(), "User@Example.com", "secret-password")
	if err != nil {
		t.Fatalf("expected authenticate success, got %v", err)
	}
	if user.ID != registered.ID {
		t.Fatalf("expected registered user back")
	}
}

func TestUserServiceAuthenticate_InvalidCredentials(t *testing.T) {
	repo := newMockUserRepo()
	svc := NewUserService(zap.NewNop(), repo, nil)

	if _, err := svc.Register(context.Background(), "user@example.com", "secret-password"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), "user@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "missing@example.com", "secret-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "user@example.com", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for empty password, got %v", err)
	}
}

func TestUserServiceAuthenticate_RateLimited(t *testing.T) {
	repo := newMockUserRepo()
	svc := NewUserService(zap.NewNop(), repo, &mockLimiter{allow: false})

	_, err := svc.Authenticate(context.Background(), "user@example.com", "secret-password")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestUserServiceRegister_RepoFailure(t *testing.T) {
	repo := newMockUserRepo()
	repo.createErr = errors.New("db down")
	svc := NewUserService(zap.NewNop(), repo, nil)

	if _, err := svc.Register(context.Background(), "user@example.com", "secret-password"); err == nil {
		t.Fatalf("expected repo error to propagate")
	}
}
