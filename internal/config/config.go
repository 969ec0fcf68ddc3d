package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	Dialogue DialogueConfig
	AI       AIConfig
	Speech   SpeechConfig
	Prompts  Prompts
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	dialogue, err := loadDialogueConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	prompts, err := LoadPrompts(strings.TrimSpace(os.Getenv("PROMPTS_FILE")))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:   server,
		Store:    StoreConfig{Path: getEnvOrDefault("DB_PATH", "./data/solace.db")},
		Auth:     auth,
		Realtime: realtime,
		Dialogue: dialogue,
		AI:       ai,
		Speech:   speech,
		Prompts:  prompts,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate 检查必填项与取值范围。
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.Store.Path == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if len(c.Auth.Secret) == 0 {
		return errors.New("JWT_SECRET is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be > 0")
	}
	if c.Auth.Registry != RegistryMemory && c.Auth.Registry != RegistryStore {
		return fmt.Errorf("AUTH_REGISTRY must be %q or %q", RegistryMemory, RegistryStore)
	}
	if c.Realtime.HandshakeTimeout <= 0 || c.Realtime.NotificationTimeout <= 0 {
		return errors.New("HANDSHAKE_TIMEOUT and NOTIFICATION_TIMEOUT must be > 0")
	}
	if c.Dialogue.GenerationTimeout <= 0 {
		return errors.New("GENERATION_TIMEOUT must be > 0")
	}
	if c.Dialogue.HistoryTurns < 1 {
		return errors.New("DIALOGUE_HISTORY_TURNS must be >= 1")
	}
	if c.Dialogue.HistoryChars < 1 {
		return errors.New("DIALOGUE_HISTORY_CHARS must be >= 1")
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	LogLevel       slog.Level
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	var addr string
	switch {
	case strings.Contains(port, ":"):
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = ":" + port
	}

	var level slog.Level
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return ServerConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", raw, err)
		}
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
		LogLevel:       level,
	}, nil
}

// StoreConfig 描述持久化配置。":memory:" 使用进程内存储。
type StoreConfig struct {
	Path string
}

// InMemory 表示是否使用进程内存储。
func (c StoreConfig) InMemory() bool {
	return c.Path == ":memory:"
}

const (
	RegistryMemory = "memory"
	RegistryStore  = "sqlite"
)

// AuthConfig 描述令牌签发与校验配置。
type AuthConfig struct {
	Secret   []byte
	TokenTTL time.Duration
	Registry string
	// SweepInterval 控制过期令牌的清理周期。
	SweepInterval time.Duration
}

func loadAuthConfig() (AuthConfig, error) {
	ttl, err := parseDurationEnv("TOKEN_TTL", 100*time.Minute)
	if err != nil {
		return AuthConfig{}, err
	}
	sweep, err := parseDurationEnv("TOKEN_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{
		Secret:        []byte(strings.TrimSpace(os.Getenv("JWT_SECRET"))),
		TokenTTL:      ttl,
		Registry:      strings.ToLower(getEnvOrDefault("AUTH_REGISTRY", RegistryStore)),
		SweepInterval: sweep,
	}, nil
}

// RealtimeConfig 描述实时连接的超时与帧限制。
type RealtimeConfig struct {
	HandshakeTimeout    time.Duration
	NotificationTimeout time.Duration
	MaxMessageBytes     int64
}

// RecommendationTimeout 是欢迎通知中 AI 建议的预算，留出四分之一给进度文案。
func (c RealtimeConfig) RecommendationTimeout() time.Duration {
	return c.NotificationTimeout - c.NotificationTimeout/4
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	handshake, err := parseDurationEnv("HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	notification, err := parseDurationEnv("NOTIFICATION_TIMEOUT", 8*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}

	maxBytes := int64(4 << 20)
	if override, err := parseOptionalIntEnv("REALTIME_MAX_MESSAGE_BYTES"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil && *override > 0 {
		maxBytes = int64(*override)
	}

	return RealtimeConfig{
		HandshakeTimeout:    handshake,
		NotificationTimeout: notification,
		MaxMessageBytes:     maxBytes,
	}, nil
}

// DialogueConfig 描述对话生成与历史窗口。
type DialogueConfig struct {
	GenerationTimeout time.Duration
	HistoryTurns      int
	HistoryChars      int
}

func loadDialogueConfig() (DialogueConfig, error) {
	timeout, err := parseDurationEnv("GENERATION_TIMEOUT", 45*time.Second)
	if err != nil {
		return DialogueConfig{}, err
	}

	cfg := DialogueConfig{GenerationTimeout: timeout, HistoryTurns: 20, HistoryChars: 12000}

	if turns, err := parseOptionalIntEnv("DIALOGUE_HISTORY_TURNS"); err != nil {
		return DialogueConfig{}, err
	} else if turns != nil {
		cfg.HistoryTurns = *turns
	}

	if chars, err := parseOptionalIntEnv("DIALOGUE_HISTORY_CHARS"); err != nil {
		return DialogueConfig{}, err
	} else if chars != nil {
		cfg.HistoryChars = *chars
	}

	return cfg, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.New("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// SpeechConfig 描述语音识别服务配置。
type SpeechConfig struct {
	AppID       string
	AccessToken string
	ASRLanguage string
	Timeout     time.Duration
	// Concurrent 选择并发计费资源而非时长计费资源。
	Concurrent bool
	Enabled    bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	// 解析超时设置，默认30秒
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30
	if timeout != nil && *timeout > 0 {
		timeoutSeconds = *timeout
	}

	concurrent, err := parseBoolEnv("SPEECH_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		AppID:       appID,
		AccessToken: accessToken,
		ASRLanguage: getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
		Timeout:     time.Duration(timeoutSeconds) * time.Second,
		Concurrent:  concurrent,
		Enabled:     appID != "" && accessToken != "",
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 接受 Go duration（"45s"）或整数秒。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
