package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"depotflow/backend/internal/domain"
)

const testSecret = "test-secret-key-that-is-long-enough-123"

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"owner": {
				Username:  "owner",
				Password:  "owner123",
				Role:      domain.RoleOwner,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(testSecret, time.Hour, store, nil)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "owner123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestLoginTokenCarriesRoleAndParty(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"north": {
				Username: "north",
				Password: "north-pass",
				Role:     domain.RoleDistributor,
				PartyID:  "dist-north",
				Active:   true,
			},
		},
	}
	manager := NewAuthManager(testSecret, time.Hour, store, nil)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " North ", Password: "north-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleDistributor || resp.PartyID != "dist-north" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "north" || actor.Role != domain.RoleDistributor || actor.PartyID != "dist-north" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	hash, err := hashPassword("client-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"acme": {Username: "acme", Password: hash, Role: domain.RoleClient, PartyID: "client-acme", Active: false},
		},
	}
	manager := NewAuthManager(testSecret, time.Hour, store, nil)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "acme", Password: "client-pass"}); err == nil {
		t.Fatalf("expected inactive account to be refused")
	}
}

func TestParseTokenRejectsUnknownRoleAndForeignSecret(t *testing.T) {
	manager := NewAuthManager(testSecret, time.Hour, nil, nil)

	forged, err := manager.sign("mallory", domain.Role("SUPERUSER"), "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(forged); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}

	other := NewAuthManager("another-secret-that-is-long-enough-456", time.Hour, nil, nil)
	token, err := other.sign("owner", domain.RoleOwner, "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsExpiredAndNoneAlg(t *testing.T) {
	manager := NewAuthManager(testSecret, time.Hour, nil, nil)

	expired, err := manager.sign("owner", domain.RoleOwner, "", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "owner", Issuer: tokenIssuer},
		Role:             domain.RoleOwner,
	})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := manager.ParseToken(raw); err == nil {
		t.Fatalf("expected alg=none token to be rejected")
	}
}

func TestEnsureUserCreatesOnce(t *testing.T) {
	store := &userStoreStub{}
	manager := NewAuthManager(testSecret, time.Hour, store, nil)
	ctx := context.Background()

	if err := manager.EnsureUser(ctx, "Owner", "bootstrap-pass", domain.RoleOwner, ""); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := manager.EnsureUser(ctx, "owner", "other-pass", domain.RoleOwner, ""); err != nil {
		t.Fatalf("ensure user again: %v", err)
	}

	users, _ := store.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("expected one account, got %d", len(users))
	}
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "owner", Password: "bootstrap-pass"}); err != nil {
		t.Fatalf("login with bootstrap password failed: %v", err)
	}
}
