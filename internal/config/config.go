package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Provider    string                    `json:"provider"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Cache       CacheConfig               `json:"cache"`
	Timeouts    TimeoutConfig             `json:"timeouts"`
	FileStore   FileStoreConfig           `json:"file_store"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Auth        AuthConfig                `json:"auth"`
	Log         LogConfig                 `json:"log"`
}

type ProviderConfig struct {
	BaseURL        string   `json:"base_url"`
	Model          string   `json:"model"`
	APIKey         string   `json:"api_key"`
	FallbackModels []string `json:"fallback_models"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	UploadTempDir     string `json:"upload_temp_dir"`
	DocumentDir       string `json:"document_dir"`
	MaxUploadMB       int    `json:"max_upload_mb"`
	TempCleanInterval int    `json:"temp_clean_interval"` // minutes
	TempFileTTL       int    `json:"temp_file_ttl"`       // minutes
}

type CacheConfig struct {
	TTLMinutes     int `json:"ttl_minutes"`
	MaxEntries     int `json:"max_entries"`
	KeyPrefixChars int `json:"key_prefix_chars"`
}

type TimeoutConfig struct {
	ChatSeconds    int `json:"chat_seconds"`
	DocChatSeconds int `json:"doc_chat_seconds"`
	UploadSeconds  int `json:"upload_seconds"`
}

type FileStoreConfig struct {
	Backend  string `json:"backend"`
	JSONPath string `json:"json_path"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`

	// Channel carries cache invalidations between instances sharing Key.
	Channel string `json:"channel"`
}

type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	Issuer        string `json:"issuer"`
	TokenTTLHours int    `json:"token_ttl_hours"`
}

type LogConfig struct {
	Dir    string `json:"dir"`
	File   string `json:"file"`
	Level  string `json:"level"`
	Stdout *bool  `json:"stdout"`
}

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"

	StoreJSON   = "json"
	StoreSQLite = "sqlite3"
	StoreMySQL  = "mysql"
	StoreRedis  = "redis"
)

// Load reads configuration from the provided path (defaults to config.json).
// A missing file yields the defaults; secrets may come from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Cache.TTLMinutes <= 0 {
		return errors.New("cache.ttl_minutes must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if c.Cache.KeyPrefixChars <= 0 {
		return errors.New("cache.key_prefix_chars must be positive")
	}
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderClaude:
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	switch c.FileStore.Backend {
	case StoreJSON, StoreSQLite, StoreMySQL, StoreRedis:
	default:
		return fmt.Errorf("unsupported file store backend: %s", c.FileStore.Backend)
	}
	return nil
}

// ActiveProvider returns the settings of the configured provider.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.Provider]
}

func (c *Config) ChatTimeout() time.Duration {
	return time.Duration(c.Timeouts.ChatSeconds) * time.Second
}

func (c *Config) DocChatTimeout() time.Duration {
	return time.Duration(c.Timeouts.DocChatSeconds) * time.Second
}

func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Timeouts.UploadSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.BasicConfig.MaxUploadMB) << 20
}

func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, env := range map[string]string{
		ProviderGemini: "GEMINI_API_KEY",
		ProviderOpenAI: "OPENAI_API_KEY",
		ProviderClaude: "ANTHROPIC_API_KEY",
	} {
		if key := strings.TrimSpace(os.Getenv(env)); key != "" {
			p := c.Providers[name]
			p.APIKey = key
			c.Providers[name] = p
		}
	}
	if v := strings.TrimSpace(os.Getenv("DOCCHAT_PROVIDER")); v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("DOCCHAT_ADDR")); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("DOCCHAT_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DOCCHAT_FILE_STORE"); v != "" {
		c.FileStore.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("DOCCHAT_CACHE_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.TTLMinutes = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		// gemini is the only provider with a file API, prefer it when a key exists
		c.Provider = ProviderOpenAI
		if c.Providers[ProviderGemini].APIKey != "" {
			c.Provider = ProviderGemini
		}
	}
	defaultModels := map[string]string{
		ProviderGemini: "gemini-2.5-flash",
		ProviderOpenAI: "gpt-4o-mini",
		ProviderClaude: "claude-3-5-haiku-latest",
	}
	for name, model := range defaultModels {
		p := c.Providers[name]
		if p.Model == "" {
			p.Model = model
		}
		c.Providers[name] = p
	}

	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":5280"
	}
	if b.UploadTempDir == "" {
		b.UploadTempDir = "./data/uploads"
	}
	if b.DocumentDir == "" {
		b.DocumentDir = "./data/documents"
	}
	if b.MaxUploadMB <= 0 {
		b.MaxUploadMB = 20
	}
	if b.TempCleanInterval <= 0 {
		b.TempCleanInterval = 60
	}
	if b.TempFileTTL <= 0 {
		b.TempFileTTL = 60
	}

	if c.Cache.TTLMinutes == 0 {
		c.Cache.TTLMinutes = 30
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 100
	}
	if c.Cache.KeyPrefixChars == 0 {
		c.Cache.KeyPrefixChars = 200
	}

	if c.Timeouts.ChatSeconds <= 0 {
		c.Timeouts.ChatSeconds = 15
	}
	if c.Timeouts.DocChatSeconds <= 0 {
		c.Timeouts.DocChatSeconds = 60
	}
	if c.Timeouts.UploadSeconds <= 0 {
		c.Timeouts.UploadSeconds = 120
	}

	if c.FileStore.Backend == "" {
		c.FileStore.Backend = StoreJSON
	}
	if c.FileStore.JSONPath == "" {
		c.FileStore.JSONPath = "./data/uploaded_files.json"
	}
	if c.Redis.Key == "" {
		c.Redis.Key = "docchat:uploaded_files"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "docchat:invalidate"
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "docchat"
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 24
	}

	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.File == "" {
		c.Log.File = "docchat.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.BasicConfig.UploadTempDir,
		&c.BasicConfig.DocumentDir,
		&c.FileStore.JSONPath,
		&c.Log.Dir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}
