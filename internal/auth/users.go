package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	logx "wagate/pkg/logx"
)

var ErrUserNotFound = errors.New("user not found")

// User is one entry in the users collection. The password is stored as a
// bcrypt hash, never in the clear.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password"`
	APIKey       string    `json:"apiKey"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Users is the JSON document collection of gateway accounts, persisted the
// same way as the file ledger (whole document, atomic rewrite).
type Users struct {
	log  logx.Logger
	path string

	mu   sync.RWMutex
	list []User
}

func OpenUsers(path string, log logx.Logger) (*Users, error) {
	if path == "" {
		return nil, errors.New("users path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	u := &Users{log: log, path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("users document unreadable, starting empty", logx.String("path", path), logx.Err(err))
		}
		return u, nil
	}
	if err := json.Unmarshal(b, &u.list); err != nil {
		log.Warn("users document corrupt, starting empty", logx.String("path", path), logx.Err(err))
	}
	return u, nil
}

func (u *Users) Get(username string) (User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, usr := range u.list {
		if usr.Username == username {
			return usr, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (u *Users) GetByAPIKey(key string) (User, error) {
	if key == "" {
		return User{}, ErrUserNotFound
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, usr := range u.list {
		if usr.APIKey == key {
			return usr, nil
		}
	}
	return User{}, ErrUserNotFound
}

// Save appends or replaces the user keyed by username.
func (u *Users) Save(usr User) error {
	if usr.CreatedAt.IsZero() {
		usr.CreatedAt = time.Now()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	next := append([]User(nil), u.list...)
	replaced := false
	for i := range next {
		if next[i].Username == usr.Username {
			next[i] = usr
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, usr)
	}

	if err := u.persist(next); err != nil {
		return err
	}
	u.list = next
	return nil
}

// AdminConfig seeds the default operator account.
type AdminConfig struct {
	Username string
	Password string
	APIKey   string
}

// EnsureAdmin creates the default admin on first start. An existing account
// is left untouched.
func (u *Users) EnsureAdmin(cfg AdminConfig) error {
	if cfg.Username == "" {
		return nil
	}
	if _, err := u.Get(cfg.Username); err == nil {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := u.Save(User{
		Username:     cfg.Username,
		PasswordHash: string(hash),
		APIKey:       cfg.APIKey,
		Role:         "admin",
	}); err != nil {
		return err
	}
	u.log.Info("default admin user created", logx.String("username", cfg.Username))
	return nil
}

func (u *Users) persist(list []User) error {
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := u.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, u.path)
}
