package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	logx "wagate/pkg/logx"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Config struct {
	JWTSecret string
	JWTTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.JWTTTL <= 0 {
		c.JWTTTL = 24 * time.Hour
	}
	return c
}

// Service verifies credentials and mints/validates bearer tokens.
type Service struct {
	cfg   Config
	users *Users
	log   logx.Logger
}

func NewService(cfg Config, users *Users, log logx.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwtSecret is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), users: users, log: log}, nil
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Login checks the password and returns a signed token.
func (s *Service) Login(username, password string) (string, User, error) {
	usr, err := s.users.Get(username)
	if err != nil {
		return "", User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(usr.PasswordHash), []byte(password)); err != nil {
		return "", User{}, ErrInvalidCredentials
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: usr.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTTTL)),
		},
	})
	signed, err := tok.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", User{}, err
	}
	return signed, usr, nil
}

// VerifyToken validates a bearer token and resolves its user.
func (s *Service) VerifyToken(token string) (User, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return User{}, ErrInvalidCredentials
	}
	usr, err := s.users.Get(c.Username)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	return usr, nil
}

// VerifyAPIKey resolves an API key to its user.
func (s *Service) VerifyAPIKey(key string) (User, error) {
	usr, err := s.users.GetByAPIKey(key)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	return usr, nil
}
