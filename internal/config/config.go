package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Address      string `mapstructure:"address"`
	ModelsPath   string `mapstructure:"models_path"`
	TelemetryURL string `mapstructure:"telemetry_url"`

	Log         LogConfig         `mapstructure:"log"`
	Tokens      TokensConfig      `mapstructure:"tokens"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Guardrails  GuardrailsConfig  `mapstructure:"guardrails"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TokensConfig selects the credential store. A non-empty RedisAddr wins
// over File.
type TokensConfig struct {
	File      string `mapstructure:"file"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisKey  string `mapstructure:"redis_key"`
	Watch     bool   `mapstructure:"watch"`
}

type UpstreamConfig struct {
	URL            string        `mapstructure:"url"`
	StatusURL      string        `mapstructure:"status_url"`
	Probe          bool          `mapstructure:"probe"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ClientVersion  string        `mapstructure:"client_version"`
	Timezone       string        `mapstructure:"timezone"`
	// Checksum, when set, is sent instead of a generated one.
	Checksum string `mapstructure:"checksum"`
	Salt     string `mapstructure:"salt"`
}

// RateLimitConfig limits requests per client address. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type GuardrailsConfig struct {
	BlockedTerms []string `mapstructure:"blocked_terms"`
}

// ProvisionerConfig describes the external token helper process.
type ProvisionerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", ":3010")
	v.SetDefault("models_path", "")
	v.SetDefault("telemetry_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tokens.file", "token.txt")
	v.SetDefault("tokens.redis_addr", "")
	v.SetDefault("tokens.redis_key", "cursor-gateway:tokens")
	v.SetDefault("tokens.watch", true)

	v.SetDefault("upstream.url", "https://api2.cursor.sh/aiserver.v1.AiService/StreamChat")
	v.SetDefault("upstream.status_url", "https://api2.cursor.sh/aiserver.v1.AiService/CheckFeatureStatus")
	v.SetDefault("upstream.probe", false)
	v.SetDefault("upstream.connect_timeout", 5*time.Second)
	v.SetDefault("upstream.read_timeout", 30*time.Second)
	v.SetDefault("upstream.client_version", "0.42.3")
	v.SetDefault("upstream.timezone", "Asia/Shanghai")
	v.SetDefault("upstream.checksum", "")
	v.SetDefault("upstream.salt", "")

	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "cursor_gateway")

	v.SetDefault("guardrails.blocked_terms", []string{})

	v.SetDefault("provisioner.command", "python3")
	v.SetDefault("provisioner.args", []string{"cursor_register.py"})
}

// Load reads config.yaml from the working directory or ./config, then
// applies AIGW_* environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// allow environment variables like AIGW_UPSTREAM_READ_TIMEOUT
	v.SetEnvPrefix("AIGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// don't fail if config file is missing, allow env-only config
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
