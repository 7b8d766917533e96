package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrKeyRevoked         = errors.New("api key revoked")
)

// APIKeyPrincipal identifies an authenticated server key.
type APIKeyPrincipal struct {
	KeyID int64
	Label string
}

// JWTPrincipal identifies an authenticated admin session.
type JWTPrincipal struct {
	AdminID  int64
	Username string
}

type AuthService struct {
	store     *store.Store
	jwtSecret []byte
}

func NewAuthService(st *store.Store, jwtSecret string) *AuthService {
	return &AuthService{
		store:     st,
		jwtSecret: []byte(jwtSecret),
	}
}

// ValidateAPIKey checks the provided raw server key against stored key hashes.
func (s *AuthService) ValidateAPIKey(ctx context.Context, rawKey string) (*APIKeyPrincipal, error) {
	hash := store.HashKey(rawKey)

	key, err := s.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !key.IsActive {
		return nil, ErrKeyRevoked
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}

	// Update last used timestamp (fire and forget)
	go s.store.TouchAPIKey(context.Background(), key.ID) //nolint:errcheck

	return &APIKeyPrincipal{
		KeyID: key.ID,
		Label: key.Label,
	}, nil
}

// Login verifies an admin's password and returns a signed session token.
func (s *AuthService) Login(ctx context.Context, username, password string, ttl time.Duration) (string, *model.Admin, error) {
	admin, err := s.store.GetAdminByUsername(ctx, username)
	if err != nil {
		// Burn a comparison anyway so unknown usernames take as long as wrong
		// passwords.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password)) //nolint:errcheck
		return "", nil, ErrInvalidCredentials
	}
	if !admin.IsActive {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.IssueJWT(ctx, admin.ID, admin.Username, ttl)
	if err != nil {
		return "", nil, err
	}

	go s.store.TouchAdminLogin(context.Background(), admin.ID) //nolint:errcheck

	return token, admin, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)

// ValidateJWT verifies a JWT bearer token and returns the associated admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*JWTPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{
		AdminID:  claims.AdminID,
		Username: claims.Username,
	}, nil
}

// IssueJWT creates a new signed JWT token for the given admin.
func (s *AuthService) IssueJWT(ctx context.Context, adminID int64, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		AdminID:  adminID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keyforge",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// HashPassword returns a bcrypt hash for storing admin passwords.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type jwtClaims struct {
	AdminID  int64  `json:"admin_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}
