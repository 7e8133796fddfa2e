package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"dialog/internal/content"
	"dialog/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour

	// Verified tokens are cached well below the token lifetime so an
	// expired token cannot keep riding the cache.
	verifyCacheTTL = 5 * time.Minute
)

var (
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Config struct {
	Secret      string
	secretBytes []byte
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// UserStore persists user accounts. Implemented by the storage package.
type UserStore interface {
	CreateUser(user models.User, passwordHash string) error
	GetUserByName(username string) (models.User, string, error)
}

type LoginResponse struct {
	Token       string      `json:"token"`
	TokenExpiry int64       `json:"tokenExpiry"`
	User        models.User `json:"user"`
}

// AuthService issues and verifies bearer tokens. Tokens are HS256 JWTs;
// verified tokens are cached with a TTL so the hot path on every handshake
// is a cache lookup, not a signature check.
type AuthService struct {
	Config
	store    UserStore
	verified geche.Geche[string, string]
	now      func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store UserStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		store:    store,
		verified: geche.NewMapTTLCache[string, string](ctx, verifyCacheTTL, time.Minute),
		now:      time.Now,
	}, nil
}

// Register creates a new account. The username must pass content validation
// and be unique; the password is stored as a bcrypt hash.
func (as *AuthService) Register(username, password string) (models.User, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	if len(password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:       uuid.NewString(),
		Username: username,
	}
	if err := as.store.CreateUser(user, string(hash)); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Login checks the credentials and issues a signed token.
// Credential failures all map to ErrInvalidCredentials so the response does
// not leak whether the username exists.
func (as *AuthService) Login(username, password string) (LoginResponse, error) {
	user, hash, err := as.store.GetUserByName(username)
	if err != nil {
		return LoginResponse{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return LoginResponse{}, ErrInvalidCredentials
	}

	now := as.now()
	expiry := now.Add(as.TokenExpiry)
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return LoginResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	as.verified.Set(token, user.ID)

	return LoginResponse{
		Token:       token,
		TokenExpiry: expiry.Unix(),
		User:        user,
	}, nil
}

// Verify resolves a bearer token to a user ID, or fails with
// ErrInvalidToken. This is the only identity call the realtime core makes.
func (as *AuthService) Verify(token string) (string, error) {
	if userID, err := as.verified.Get(token); err == nil {
		return userID, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			return as.secretBytes, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	as.verified.Set(token, claims.Subject)
	return claims.Subject, nil
}
