package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where counselsim stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string
	// PromptDir overrides the embedded prompt templates when set.
	PromptDir string

	// AI Configuration
	AILLMProvider          string   // COUNSELSIM_AI_LLM_PROVIDER (default: dashscope)
	AILLMModel             string   // COUNSELSIM_AI_LLM_MODEL (default: qwen-flash)
	AILLMBaseURL           string   // COUNSELSIM_AI_LLM_BASE_URL (default depends on provider)
	AILLMAPIKeys           []string // COUNSELSIM_AI_LLM_API_KEYS (legacy: DASHSCOPE_API_KEYS, DASHSCOPE_API_KEY)
	AILLMMaxTokens         int      // COUNSELSIM_AI_LLM_MAX_TOKENS (default: 2048)
	AILLMTemperature       float32  // COUNSELSIM_AI_LLM_TEMPERATURE (default: 0.7)
	AILLMRequestsPerSecond float64  // COUNSELSIM_AI_LLM_RPS per credential (default: 0 = unlimited)

	// Pipeline Configuration
	RetryMaxAttempts      int           // COUNSELSIM_RETRY_MAX_ATTEMPTS (default: 3)
	RetryBaseDelay        time.Duration // COUNSELSIM_RETRY_BASE_DELAY (default: 200ms)
	BackgroundConcurrency int           // COUNSELSIM_BACKGROUND_CONCURRENCY (default: 8)
	BackgroundTimeout     time.Duration // COUNSELSIM_BACKGROUND_TIMEOUT (default: 5m)
	CompensationInterval  time.Duration // COUNSELSIM_COMPENSATION_INTERVAL (default: 0, disabled)

	// HTTP Configuration
	RequestsPerSecond float64 // COUNSELSIM_HTTP_RPS per client (default: 5)
	RequestBurst      int     // COUNSELSIM_HTTP_BURST (default: 20)
}

const (
	ProviderDashScope = "dashscope"
	ProviderOpenAI    = "openai"
	ProviderDeepSeek  = "deepseek"

	DefaultLLMModel = "qwen-flash"
)

var defaultBaseURLs = map[string]string{
	ProviderDashScope: "https://dashscope.aliyuncs.com/compatible-mode/v1",
	ProviderOpenAI:    "https://api.openai.com/v1",
	ProviderDeepSeek:  "https://api.deepseek.com",
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if at least one LLM credential is configured.
func (p *Profile) IsAIEnabled() bool {
	return len(p.AILLMAPIKeys) > 0
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("ignoring invalid integer env", slog.String("key", key), slog.String("value", value))
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("ignoring invalid float env", slog.String("key", key), slog.String("value", value))
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration env", slog.String("key", key), slog.String("value", value))
	}
	return defaultValue
}

// SplitKeys splits a comma or newline separated credential list, dropping blanks and duplicates.
func SplitKeys(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	seen := make(map[string]bool, len(fields))
	keys := make([]string, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

// FromEnv loads the AI and pipeline configuration from environment variables.
// Values already set (for example by command line flags) are kept.
func (p *Profile) FromEnv() {
	// Helper to get env value with legacy fallback
	getEnvWithFallback := func(newKey, legacyKey string) string {
		if val := os.Getenv(newKey); val != "" {
			return val
		}
		return os.Getenv(legacyKey)
	}

	if p.PromptDir == "" {
		p.PromptDir = os.Getenv("COUNSELSIM_PROMPT_DIR")
	}

	p.AILLMProvider = strings.ToLower(getEnvOrDefault("COUNSELSIM_AI_LLM_PROVIDER", ProviderDashScope))
	p.AILLMModel = getEnvOrDefault("COUNSELSIM_AI_LLM_MODEL", DefaultLLMModel)
	p.AILLMBaseURL = getEnvOrDefault("COUNSELSIM_AI_LLM_BASE_URL", defaultBaseURLs[p.AILLMProvider])
	if len(p.AILLMAPIKeys) == 0 {
		raw := getEnvWithFallback("COUNSELSIM_AI_LLM_API_KEYS", "DASHSCOPE_API_KEYS")
		if raw == "" {
			raw = os.Getenv("DASHSCOPE_API_KEY")
		}
		p.AILLMAPIKeys = SplitKeys(raw)
	}
	p.AILLMMaxTokens = getIntEnvOrDefault("COUNSELSIM_AI_LLM_MAX_TOKENS", 2048)
	p.AILLMTemperature = float32(getFloatEnvOrDefault("COUNSELSIM_AI_LLM_TEMPERATURE", 0.7))
	p.AILLMRequestsPerSecond = getFloatEnvOrDefault("COUNSELSIM_AI_LLM_RPS", 0)

	p.RetryMaxAttempts = getIntEnvOrDefault("COUNSELSIM_RETRY_MAX_ATTEMPTS", 3)
	p.RetryBaseDelay = getDurationEnvOrDefault("COUNSELSIM_RETRY_BASE_DELAY", 200*time.Millisecond)
	p.BackgroundConcurrency = getIntEnvOrDefault("COUNSELSIM_BACKGROUND_CONCURRENCY", 8)
	p.BackgroundTimeout = getDurationEnvOrDefault("COUNSELSIM_BACKGROUND_TIMEOUT", 5*time.Minute)
	p.CompensationInterval = getDurationEnvOrDefault("COUNSELSIM_COMPENSATION_INTERVAL", 0)

	p.RequestsPerSecond = getFloatEnvOrDefault("COUNSELSIM_HTTP_RPS", 5)
	p.RequestBurst = getIntEnvOrDefault("COUNSELSIM_HTTP_BURST", 20)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "counselsim")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/counselsim"
		}
	}

	if p.Driver == "sqlite" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("counselsim_%s.db", p.Mode))
		}
	}

	if p.RetryMaxAttempts < 1 {
		p.RetryMaxAttempts = 1
	}
	if p.BackgroundConcurrency < 1 {
		p.BackgroundConcurrency = 1
	}
	return nil
}
