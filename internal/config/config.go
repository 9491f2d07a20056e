package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	StorageDir     string `mapstructure:"STORAGE_DIR"`
	MaxUploadBytes int64  `mapstructure:"MAX_UPLOAD_BYTES"`

	OCRLanguage string        `mapstructure:"OCR_LANGUAGE"`
	OCRTimeout  time.Duration `mapstructure:"OCR_TIMEOUT"`
	OCRMaxWidth int           `mapstructure:"OCR_MAX_WIDTH"`

	LLMProvider    string        `mapstructure:"LLM_PROVIDER"`
	LLMAPIKey      string        `mapstructure:"LLM_API_KEY"`
	LLMBaseURL     string        `mapstructure:"LLM_BASE_URL"`
	LLMModel       string        `mapstructure:"LLM_MODEL"`
	LLMTimeout     time.Duration `mapstructure:"LLM_TIMEOUT"`
	EmbeddingModel string        `mapstructure:"EMBEDDING_MODEL"`

	RetrievalTopK    int           `mapstructure:"RETRIEVAL_TOP_K"`
	RetrievalTimeout time.Duration `mapstructure:"RETRIEVAL_TIMEOUT"`
	VectorIndex      string        `mapstructure:"VECTOR_INDEX"`
	RAGCollection    string        `mapstructure:"RAG_COLLECTION"`

	TaskCallbackTimeout time.Duration `mapstructure:"TASK_CALLBACK_TIMEOUT"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"STORAGE_DIR", "MAX_UPLOAD_BYTES",
	"OCR_LANGUAGE", "OCR_TIMEOUT", "OCR_MAX_WIDTH",
	"LLM_PROVIDER", "LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LLM_TIMEOUT", "EMBEDDING_MODEL",
	"RETRIEVAL_TOP_K", "RETRIEVAL_TIMEOUT", "VECTOR_INDEX", "RAG_COLLECTION",
	"TASK_CALLBACK_TIMEOUT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ISSUER", "")
	v.SetDefault("STORAGE_DIR", "./uploads")
	v.SetDefault("MAX_UPLOAD_BYTES", 10<<20)
	v.SetDefault("OCR_LANGUAGE", "eng")
	v.SetDefault("OCR_TIMEOUT", "2m")
	v.SetDefault("OCR_MAX_WIDTH", 2000)
	v.SetDefault("LLM_PROVIDER", "gemini")
	v.SetDefault("LLM_MODEL", "gemini-1.5-flash")
	v.SetDefault("LLM_TIMEOUT", "30s")
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-004")
	v.SetDefault("RETRIEVAL_TOP_K", 4)
	v.SetDefault("RETRIEVAL_TIMEOUT", "10s")
	v.SetDefault("VECTOR_INDEX", "postgres")
	v.SetDefault("RAG_COLLECTION", "labsense_rag")
	v.SetDefault("TASK_CALLBACK_TIMEOUT", "10s")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token are served as the dev user.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is required so that bearer tokens are actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	switch c.LLMProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("LLM_PROVIDER must be \"gemini\" or \"openai\", got %q", c.LLMProvider)
	}
	if c.LLMProvider == "openai" && c.LLMBaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL is required when LLM_PROVIDER is \"openai\"")
	}

	switch c.VectorIndex {
	case "postgres", "memory":
	default:
		return fmt.Errorf("VECTOR_INDEX must be \"postgres\" or \"memory\", got %q", c.VectorIndex)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if c.OCRTimeout <= 0 || c.LLMTimeout <= 0 || c.RetrievalTimeout <= 0 {
		return fmt.Errorf("OCR_TIMEOUT, LLM_TIMEOUT and RETRIEVAL_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.RAGCollection) == "" {
		return fmt.Errorf("RAG_COLLECTION must not be empty")
	}
	// Retrieval and the model call must both time out before the request does.
	if c.RequestTimeout > 0 && c.RequestTimeout <= c.LLMTimeout+c.RetrievalTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed LLM_TIMEOUT + RETRIEVAL_TIMEOUT (%s)",
			c.RequestTimeout, c.LLMTimeout+c.RetrievalTimeout)
	}
	return nil
}
