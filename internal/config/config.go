package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/YKarmar/JobFunnel/internal/types"
)

// 单个服务商解析后的OAuth客户端注册信息
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	RedirectURI  string
	Scopes       []string
}

// 该服务商是否可用于登录
func (c ProviderCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type providerSection struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Tenant       string   `yaml:"tenant"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		PublicURL      string   `yaml:"public_url"`
		FrontendURL    string   `yaml:"frontend_url"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		CookieSecure   bool     `yaml:"cookie_secure"`
	} `yaml:"server"`
	Google    providerSection `yaml:"google"`
	Microsoft providerSection `yaml:"microsoft"`
	Session   struct {
		Secret        string        `yaml:"secret"`
		EncryptionKey string        `yaml:"encryption_key"`
		Store         string        `yaml:"store"` // file:<dir>、redis 或 keyring
		TTL           time.Duration `yaml:"ttl"`
		RefreshMargin time.Duration `yaml:"refresh_margin"`
	} `yaml:"session"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	LLM struct {
		APIBase       string        `yaml:"api_base"`
		APIKey        string        `yaml:"api_key"`
		Model         string        `yaml:"model"`
		Temperature   float64       `yaml:"temperature"`
		MaxTokens     int           `yaml:"max_tokens"`
		Disabled      bool          `yaml:"disabled"`
		Timeout       time.Duration `yaml:"timeout"`
		MinConfidence float64       `yaml:"min_confidence"`
	} `yaml:"llm"`
	Scan struct {
		Workers        int           `yaml:"workers"`
		RatePerSecond  float64       `yaml:"rate_per_second"`
		MaxAttempts    int           `yaml:"max_attempts"`
		BackoffBase    time.Duration `yaml:"backoff_base"`
		Timeout        time.Duration `yaml:"timeout"`
		GmailQueryMode string        `yaml:"gmail_query_mode"` // broad 或 strict
	} `yaml:"scan"`
	Cache struct {
		Dir        string        `yaml:"dir"`
		TTL        time.Duration `yaml:"ttl"`
		MaxEntries int           `yaml:"max_entries"`
	} `yaml:"cache"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	CompanyAliases map[string]string `yaml:"company_aliases"`

	// 由 Load 填充，其他地方不直接读取服务商环境变量
	Credentials map[types.Provider]ProviderCredentials `yaml:"-"`
}

var (
	googleScopes    = []string{"openid", "email", "https://www.googleapis.com/auth/gmail.readonly"}
	microsoftScopes = []string{"openid", "profile", "email", "offline_access", "Mail.Read"}
)

// 加载配置文件（可选），展开 ${VAR} 引用，应用环境变量覆盖和默认值，并解析服务商凭据
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			content := expandEnvVars(string(b))
			if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
				return nil, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Credentials = map[types.Provider]ProviderCredentials{
		types.ProviderGoogle:    resolveGoogle(&cfg),
		types.ProviderMicrosoft: resolveMicrosoft(&cfg),
	}
	return &cfg, nil
}

// 检查服务运行所必需的配置
func (c *Config) Validate() error {
	if c.Session.Secret == "" {
		return errors.New("config: SESSION_SECRET is required")
	}
	if len(c.Session.Secret) < 32 {
		return errors.New("config: SESSION_SECRET must be at least 32 characters")
	}
	if c.Session.EncryptionKey == "" {
		return errors.New("config: TOKEN_ENCRYPTION_KEY is required")
	}
	if !c.Credentials[types.ProviderGoogle].Configured() && !c.Credentials[types.ProviderMicrosoft].Configured() {
		return errors.New("config: no mail provider has a client id and secret")
	}
	if c.Session.Store == "redis" && c.Redis.Addr == "" {
		return errors.New("config: session.store=redis requires REDIS_ADDR")
	}
	return nil
}

// 是否调用外部LLM分类
func (c *Config) LLMEnabled() bool {
	return !c.LLM.Disabled && c.LLM.APIKey != ""
}

// 展开环境变量 ${VAR_NAME}，未定义的保持原样
func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return match
	})
}

// 返回第一个非空的环境变量
func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

func setString(dst *string, names ...string) {
	if v := firstEnv(names...); v != "" {
		*dst = v
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "JOBFUNNEL_ADDR")
	setString(&cfg.Server.PublicURL, "PUBLIC_URL", "BACKEND_URL")
	setString(&cfg.Server.FrontendURL, "FRONTEND_URL")
	if v := firstEnv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCSV(v)
	}
	if v := firstEnv("COOKIE_SECURE"); v != "" {
		cfg.Server.CookieSecure = parseBool(v)
	}

	setString(&cfg.Session.Secret, "SESSION_SECRET")
	setString(&cfg.Session.EncryptionKey, "TOKEN_ENCRYPTION_KEY")
	setString(&cfg.Session.Store, "SESSION_STORE")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.LLM.APIKey, "OPENAI_API_KEY", "LLM_API_KEY")
	setString(&cfg.LLM.APIBase, "OPENAI_BASE_URL", "LLM_API_BASE")
	setString(&cfg.LLM.Model, "OPENAI_MODEL", "LLM_MODEL")
	if v := firstEnv("DISABLE_LLM"); v != "" {
		cfg.LLM.Disabled = parseBool(v)
	}

	setString(&cfg.Cache.Dir, "ARTIFACT_DIR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://localhost:8000"
	}
	if cfg.Server.FrontendURL == "" {
		cfg.Server.FrontendURL = "http://localhost:5173"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{cfg.Server.FrontendURL}
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "file:.sessions"
	}
	if cfg.Session.TTL <= 0 {
		cfg.Session.TTL = 14 * 24 * time.Hour
	}
	if cfg.Session.RefreshMargin <= 0 {
		cfg.Session.RefreshMargin = 60 * time.Second
	}
	if cfg.LLM.APIBase == "" {
		cfg.LLM.APIBase = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 300
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.MinConfidence <= 0 {
		cfg.LLM.MinConfidence = 0.5
	}
	if cfg.Scan.Workers <= 0 {
		cfg.Scan.Workers = 4
	}
	if cfg.Scan.RatePerSecond <= 0 {
		cfg.Scan.RatePerSecond = 5
	}
	if cfg.Scan.MaxAttempts <= 0 {
		cfg.Scan.MaxAttempts = 3
	}
	if cfg.Scan.BackoffBase <= 0 {
		cfg.Scan.BackoffBase = time.Second
	}
	if cfg.Scan.Timeout <= 0 {
		cfg.Scan.Timeout = 5 * time.Minute
	}
	if cfg.Scan.GmailQueryMode == "" {
		cfg.Scan.GmailQueryMode = "broad"
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "artifacts"
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 50
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func resolveGoogle(cfg *Config) ProviderCredentials {
	c := ProviderCredentials{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURI:  cfg.Google.RedirectURI,
		Scopes:       cfg.Google.Scopes,
	}
	setString(&c.ClientID, "GOOGLE_CLIENT_ID")
	setString(&c.ClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&c.RedirectURI, "GOOGLE_REDIRECT_URI")
	if c.RedirectURI == "" {
		c.RedirectURI = strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/auth/google/callback"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = googleScopes
	}
	return c
}

// 兼容 Microsoft 注册信息的各种变量名，包括拼错的 MS_CLENT_SECRET
func resolveMicrosoft(cfg *Config) ProviderCredentials {
	c := ProviderCredentials{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		Tenant:       cfg.Microsoft.Tenant,
		RedirectURI:  cfg.Microsoft.RedirectURI,
		Scopes:       cfg.Microsoft.Scopes,
	}
	setString(&c.ClientID, "MS_CLIENT_ID", "MICROSOFT_CLIENT_ID", "AZURE_CLIENT_ID")
	setString(&c.ClientSecret, "MS_CLIENT_SECRET", "MS_CLENT_SECRET", "MICROSOFT_CLIENT_SECRET", "AZURE_CLIENT_SECRET")
	setString(&c.Tenant, "MS_TENANT_ID", "MICROSOFT_TENANT_ID", "AZURE_TENANT_ID")
	setString(&c.RedirectURI, "MS_REDIRECT_URI", "MICROSOFT_REDIRECT_URI")
	if c.Tenant == "" {
		c.Tenant = "common"
	}
	if c.RedirectURI == "" {
		c.RedirectURI = strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/auth/outlook/callback"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = microsoftScopes
	}
	return c
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}

// 解析 YYYY-MM-DD 或 RFC3339 日期，空字符串返回 def，其他无法解析的返回错误
func ParseDate(s string, def time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
}
