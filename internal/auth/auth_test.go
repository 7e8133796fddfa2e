package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"dialog/internal/models"
)

type fakeUserStore struct {
	users  map[string]models.User
	hashes map[string]string
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:  make(map[string]models.User),
		hashes: make(map[string]string),
	}
}

func (f *fakeUserStore) CreateUser(user models.User, passwordHash string) error {
	if _, ok := f.users[user.Username]; ok {
		return models.ErrUserExists
	}
	f.users[user.Username] = user
	f.hashes[user.Username] = passwordHash
	return nil
}

func (f *fakeUserStore) GetUserByName(username string) (models.User, string, error) {
	user, ok := f.users[username]
	if !ok {
		return models.User{}, "", models.ErrNotFound
	}
	return user, f.hashes[username], nil
}

func testSecret() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func newTestService(t *testing.T, store UserStore) *AuthService {
	t.Helper()
	as, err := NewAuthService(t.Context(), Config{Secret: testSecret()}, store)
	if err != nil {
		t.Fatalf("NewAuthService failed: %v", err)
	}
	return as
}

func TestRegisterAndLogin(t *testing.T) {
	store := newFakeUserStore()
	as := newTestService(t, store)

	user, err := as.Register("alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.ID == "" || user.Username != "alice" {
		t.Errorf("unexpected user: %+v", user)
	}

	resp, err := as.Login("alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if resp.Token == "" {
		t.Error("expected a token")
	}
	if resp.User.ID != user.ID {
		t.Errorf("login returned user %q, registered %q", resp.User.ID, user.ID)
	}
	if resp.TokenExpiry <= time.Now().Unix() {
		t.Errorf("token expiry in the past: %d", resp.TokenExpiry)
	}

	userID, err := as.Verify(resp.Token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != user.ID {
		t.Errorf("Verify resolved %q, want %q", userID, user.ID)
	}
}

func TestRegisterValidation(t *testing.T) {
	as := newTestService(t, newFakeUserStore())

	if _, err := as.Register("a b!", "longenoughpassword"); err == nil {
		t.Error("expected username validation error")
	}
	if _, err := as.Register("alice", "short"); err == nil {
		t.Error("expected password length error")
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	as := newTestService(t, newFakeUserStore())

	if _, err := as.Register("alice", "longenoughpassword"); err != nil {
		t.Fatal(err)
	}
	if _, err := as.Register("alice", "anotherpassword"); !errors.Is(err, models.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	as := newTestService(t, newFakeUserStore())
	if _, err := as.Register("alice", "longenoughpassword"); err != nil {
		t.Fatal(err)
	}

	// Unknown user and wrong password are indistinguishable.
	if _, err := as.Login("nobody", "longenoughpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}
	if _, err := as.Login("alice", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	as := newTestService(t, newFakeUserStore())

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := as.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	store := newFakeUserStore()

	// Issue the token from a service whose clock sits far in the past.
	issuer := newTestService(t, store)
	issuer.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	if _, err := issuer.Register("alice", "longenoughpassword"); err != nil {
		t.Fatal(err)
	}
	resp, err := issuer.Login("alice", "longenoughpassword")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh verifier with a current clock (and a cold cache) rejects it.
	verifier := newTestService(t, store)
	if _, err := verifier.Verify(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	store := newFakeUserStore()
	issuer := newTestService(t, store)
	if _, err := issuer.Register("alice", "longenoughpassword"); err != nil {
		t.Fatal(err)
	}
	resp, err := issuer.Login("alice", "longenoughpassword")
	if err != nil {
		t.Fatal(err)
	}

	otherSecret := base64.StdEncoding.EncodeToString([]byte("ffffffffffffffffffffffffffffffff"))
	verifier, err := NewAuthService(context.Background(), Config{Secret: otherSecret}, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.Verify(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for foreign signature, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing secret")
	}

	cfg = Config{Secret: "%%% not base64 %%%"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid base64")
	}

	cfg = Config{Secret: testSecret()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.TokenExpiry != DefaultTokenExpiry {
		t.Errorf("expected default expiry, got %v", cfg.TokenExpiry)
	}
}
