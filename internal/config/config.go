package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upper bounds on news hits per search and citations per report.
const (
	MaxNewsResults     = 6
	MaxReportCitations = 10
)

// Missing identifier policies for the planner.
const (
	MissingIdentifierOmit       = "omit"
	MissingIdentifierSubstitute = "substitute"
)

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver         string        `mapstructure:"driver"`
	Path           string        `mapstructure:"path"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Name           string        `mapstructure:"name"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
}

// DSN returns the driver-specific connection string.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	}
	return d.Path + "?_foreign_keys=on&_busy_timeout=5000"
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	// StreamMaxLen caps each session stream (approximate trimming).
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
	StreamTTL    time.Duration `mapstructure:"stream_ttl"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type TavilyConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type AlphaVantageConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type YahooConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Points  int           `mapstructure:"points"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProvidersConfig struct {
	Tavily       TavilyConfig       `mapstructure:"tavily"`
	AlphaVantage AlphaVantageConfig `mapstructure:"alphavantage"`
	Yahoo        YahooConfig        `mapstructure:"yahoo"`
}

type LLMConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type PolicyConfig struct {
	MissingIdentifier string `mapstructure:"missing_identifier"`
	SyntheticFallback bool   `mapstructure:"synthetic_fallback"`
	MinSources        int    `mapstructure:"min_sources"`
	MaxCitations      int    `mapstructure:"max_citations"`
}

type StreamingConfig struct {
	RingCapacity int           `mapstructure:"ring_capacity"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level      string `mapstructure:"level"`
		Format     string `mapstructure:"format"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// Config is the full process configuration. It is passed explicitly to
// component constructors.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Streaming     StreamingConfig     `mapstructure:"streaming"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	// ConfigDir holds entities.yaml and other hot-reloaded files.
	ConfigDir string `mapstructure:"config_dir"`
}

// legacyEnv maps config keys to the environment names used by earlier
// deployments of the research backend.
var legacyEnv = map[string]string{
	"providers.tavily.api_key":       "TAVILY_API_KEY",
	"providers.alphavantage.api_key": "ALPHAVANTAGE_API_KEY",
	"database.path":                  "DB_PATH",
	"llm.api_key":                    "LLM_API_KEY",
	"llm.base_url":                   "LLM_BASE_URL",
	"llm.model":                      "LLM_MODEL",
	"redis.url":                      "REDIS_URL",
	"nats.url":                       "NATS_URL",
	"server.port":                    "PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3001", "http://localhost:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "data.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "marketbrief")
	v.SetDefault("database.name", "marketbrief")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.stream_max_len", 1000)
	v.SetDefault("redis.stream_ttl", 24*time.Hour)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "marketbrief.sessions")

	v.SetDefault("providers.tavily.base_url", "https://api.tavily.com")
	v.SetDefault("providers.tavily.max_results", 6)
	v.SetDefault("providers.tavily.timeout", 12*time.Second)
	v.SetDefault("providers.alphavantage.base_url", "https://www.alphavantage.co")
	v.SetDefault("providers.alphavantage.requests_per_minute", 5)
	v.SetDefault("providers.alphavantage.timeout", 12*time.Second)
	v.SetDefault("providers.yahoo.enabled", true)
	v.SetDefault("providers.yahoo.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("providers.yahoo.points", 30)
	v.SetDefault("providers.yahoo.timeout", 10*time.Second)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1200)
	v.SetDefault("llm.timeout", 30*time.Second)

	v.SetDefault("policy.missing_identifier", MissingIdentifierOmit)
	v.SetDefault("policy.synthetic_fallback", true)
	v.SetDefault("policy.min_sources", 2)
	v.SetDefault("policy.max_citations", 10)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.idle_ttl", 30*time.Minute)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.max_size_mb", 100)
	v.SetDefault("observability.logging.max_backups", 3)
	v.SetDefault("observability.tracing.service_name", "marketbrief")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("config_dir", "config")
}

// Load reads features.yaml from CONFIG_PATH (default ./config/features.yaml)
// when present, then applies environment overrides. A missing file is not an
// error; defaults and env are enough to run.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = filepath.Join("config", "features.yaml")
	}
	return LoadFile(cfgPath)
}

// LoadFile is Load with an explicit path.
func LoadFile(cfgPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, env)
	}

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				if _, statErr := os.Stat(cfgPath); statErr == nil {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.applyLegacyOrigins()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyLegacyOrigins honours FRONTEND_ORIGIN / FRONTEND_ORIGIN_2.
func (c *Config) applyLegacyOrigins() {
	var origins []string
	for _, key := range []string{"FRONTEND_ORIGIN", "FRONTEND_ORIGIN_2"} {
		if o := strings.TrimSpace(os.Getenv(key)); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) > 0 {
		c.Server.AllowedOrigins = origins
	}
}

// Validate rejects configurations the runtime cannot honour.
func (c *Config) Validate() error {
	switch c.Policy.MissingIdentifier {
	case MissingIdentifierOmit, MissingIdentifierSubstitute:
	default:
		return fmt.Errorf("policy.missing_identifier must be %q or %q, got %q",
			MissingIdentifierOmit, MissingIdentifierSubstitute, c.Policy.MissingIdentifier)
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Policy.MaxCitations <= 0 || c.Policy.MaxCitations > MaxReportCitations {
		c.Policy.MaxCitations = MaxReportCitations
	}
	if c.Providers.Tavily.MaxResults <= 0 || c.Providers.Tavily.MaxResults > MaxNewsResults {
		c.Providers.Tavily.MaxResults = MaxNewsResults
	}
	if c.Providers.Yahoo.Points <= 0 {
		c.Providers.Yahoo.Points = 30
	}
	return nil
}
