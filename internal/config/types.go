package config

import "time"

// Config is the whole gateway configuration. JSON or YAML on disk; YAML is
// coerced to JSON so both formats share one strict decoder.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Ledger    LedgerConfig    `json:"ledger"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Bulk      BulkConfig      `json:"bulk"`
	Transport TransportConfig `json:"transport"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
	// Mode is "development" or "production". Production responses omit
	// internal error detail.
	Mode string `json:"mode"`
	// RateLimit bounds requests per client per window.
	RateLimit  int    `json:"rate_limit"`
	RateWindow string `json:"rate_window"`
}

type ServerMode string

func (s ServerConfig) Production() bool { return s.Mode == "production" }

type AuthConfig struct {
	JWTSecret string      `json:"jwt_secret"`
	JWTTTL    string      `json:"jwt_ttl"`
	UsersPath string      `json:"users_path"`
	Admin     AdminConfig `json:"admin"`
}

type AdminConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"api_key"`
}

type LedgerConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	Cap    int    `json:"cap"`
}

type DispatchConfig struct {
	CountryCode string `json:"country_code"`
	Suffix      string `json:"suffix"`
}

type BulkConfig struct {
	DefaultDelayMS int `json:"default_delay_ms"`
	MinDelayMS     int `json:"min_delay_ms"`
	MaxRecipients  int `json:"max_recipients"`
}

type TransportConfig struct {
	// Driver selects the adapter; "whatsapp" is the only production driver.
	Driver      string `json:"driver"`
	SessionPath string `json:"session_path"`
}

type LogConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ApplyDefaults fills the zero values a fresh config file may omit.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "development"
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 100
	}
	if c.Server.RateWindow == "" {
		c.Server.RateWindow = "15m"
	}
	if c.Auth.JWTTTL == "" {
		c.Auth.JWTTTL = "24h"
	}
	if c.Auth.UsersPath == "" {
		c.Auth.UsersPath = "./data/users.json"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "./data/messages.json"
	}
	if c.Dispatch.CountryCode == "" {
		c.Dispatch.CountryCode = "62"
	}
	if c.Dispatch.Suffix == "" {
		c.Dispatch.Suffix = "@c.us"
	}
	if c.Bulk.DefaultDelayMS <= 0 {
		c.Bulk.DefaultDelayMS = 2000
	}
	if c.Bulk.MinDelayMS <= 0 {
		c.Bulk.MinDelayMS = 1000
	}
	if c.Bulk.MaxRecipients <= 0 {
		c.Bulk.MaxRecipients = 100
	}
	if c.Transport.Driver == "" {
		c.Transport.Driver = "whatsapp"
	}
	if c.Transport.SessionPath == "" {
		c.Transport.SessionPath = "./sessions"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// JWTTTLDuration parses the ttl, falling back to 24h on garbage.
func (c *Config) JWTTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.Auth.JWTTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// RateWindowDuration parses the rate window, falling back to 15m on garbage.
func (c *Config) RateWindowDuration() time.Duration {
	d, err := time.ParseDuration(c.Server.RateWindow)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}
