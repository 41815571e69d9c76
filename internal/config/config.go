// Package config loads process configuration for the dialer and scheduler
// binaries via Viper, validated with go-playground/validator so a
// malformed deployment fails fast at startup instead of mid-call.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds every setting the dialer and scheduler processes read at
// startup.
type Config struct {
	Transport struct {
		WebRTCPort  int    `mapstructure:"webrtc_port" validate:"required,min=1,max=65535"`
		CarrierPort int    `mapstructure:"carrier_port" validate:"required,min=1,max=65535"`
		Carrier     string `mapstructure:"carrier" validate:"oneof=twilio asterisk"`
	} `mapstructure:"transport"`

	Providers struct {
		OpenAIAPIKey     string `mapstructure:"openai_api_key"`
		GeminiAPIKey     string `mapstructure:"gemini_api_key"`
		CartesiaAPIKey   string `mapstructure:"cartesia_api_key"`
		ElevenLabsAPIKey string `mapstructure:"elevenlabs_api_key"`
		DeepgramAPIKey   string `mapstructure:"deepgram_api_key"`
	} `mapstructure:"providers"`

	Call struct {
		UserIdleTimeoutSeconds int     `mapstructure:"user_idle_timeout_seconds" validate:"min=1"`
		MaxDurationSeconds     int     `mapstructure:"max_duration_seconds" validate:"min=1"`
		VADStartSeconds        float64 `mapstructure:"vad_start_seconds" validate:"gt=0"`
		VADStopSeconds         float64 `mapstructure:"vad_stop_seconds" validate:"gt=0"`
		TTSProvider            string  `mapstructure:"tts_provider" validate:"oneof=elevenlabs cartesia"`
	} `mapstructure:"call"`

	Database struct {
		DSN      string `mapstructure:"dsn" validate:"required"`
		MaxConns int    `mapstructure:"max_conns" validate:"min=1"`
	} `mapstructure:"database"`

	Scheduler struct {
		TickIntervalSeconds    int `mapstructure:"tick_interval_seconds" validate:"min=1"`
		AdmissionBatchSize     int `mapstructure:"admission_batch_size" validate:"min=1"`
		MaxConcurrentCampaigns int `mapstructure:"max_concurrent_campaigns" validate:"min=1"`
		StaleThresholdSeconds  int `mapstructure:"stale_threshold_seconds" validate:"min=1"`
	} `mapstructure:"scheduler"`

	Logging struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=text json"`
	} `mapstructure:"logging"`
}

// Load reads configuration from an optional YAML file (searched in the
// given paths), then environment variables prefixed STRAWGO_ (e.g.
// STRAWGO_DATABASE_DSN overrides database.dsn), then validates the result.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()

	v.SetDefault("transport.webrtc_port", 8443)
	v.SetDefault("transport.carrier_port", 8080)
	v.SetDefault("transport.carrier", "twilio")
	v.SetDefault("call.user_idle_timeout_seconds", 10)
	v.SetDefault("call.max_duration_seconds", 300)
	v.SetDefault("call.vad_start_seconds", 0.2)
	v.SetDefault("call.vad_stop_seconds", 0.8)
	v.SetDefault("call.tts_provider", "elevenlabs")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("scheduler.tick_interval_seconds", 5)
	v.SetDefault("scheduler.admission_batch_size", 25)
	v.SetDefault("scheduler.max_concurrent_campaigns", 8)
	v.SetDefault("scheduler.stale_threshold_seconds", 600)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	// Keys without a default are invisible to Unmarshal under AutomaticEnv,
	// so the env-only settings are registered with empty defaults.
	v.SetDefault("database.dsn", "")
	v.SetDefault("providers.openai_api_key", "")
	v.SetDefault("providers.gemini_api_key", "")
	v.SetDefault("providers.cartesia_api_key", "")
	v.SetDefault("providers.elevenlabs_api_key", "")
	v.SetDefault("providers.deepgram_api_key", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STRAWGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}
