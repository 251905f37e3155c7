package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wangxso/ftrader/pkg/types"
)

// App is the process-level configuration. Strategy behavior lives in
// per-strategy configuration documents, not here.
type App struct {
	DatabasePath     string        `mapstructure:"databasePath"`
	DataDir          string        `mapstructure:"dataDir"`
	LogLevel         string        `mapstructure:"logLevel"`
	Testnet          bool          `mapstructure:"testnet"`
	MetricsAddr      string        `mapstructure:"metricsAddr"`
	SnapshotInterval time.Duration `mapstructure:"snapshotInterval"`

	Backtest BacktestSettings `mapstructure:"backtest"`
	LLM      LLMSettings      `mapstructure:"llm"`
}

// BacktestSettings configures the backtest runner.
type BacktestSettings struct {
	FeeRatePercent float64 `mapstructure:"feeRatePercent"`
	Workers        int     `mapstructure:"workers"`
}

// LLMSettings configures the signal completion endpoint.
type LLMSettings struct {
	BaseURL string `mapstructure:"baseUrl"`
	Model   string `mapstructure:"model"`
}

// Credentials are the venue API credentials, supplied out-of-band via
// the environment (optionally a .env file); they never appear in
// configuration documents.
type Credentials struct {
	APIKey    string
	APISecret string
	LLMAPIKey string
}

// Load reads the process configuration. path may be empty, in which
// case defaults plus FTRADER_* environment overrides apply.
func Load(path string) (*App, error) {
	v := viper.New()

	v.SetDefault("databasePath", "ftrader.db")
	v.SetDefault("dataDir", "./data")
	v.SetDefault("logLevel", "info")
	v.SetDefault("testnet", true)
	v.SetDefault("metricsAddr", ":9090")
	v.SetDefault("snapshotInterval", time.Minute)
	v.SetDefault("backtest.feeRatePercent", 0.04)
	v.SetDefault("backtest.workers", 2)
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.model", "gpt-4o-mini")

	v.SetEnvPrefix("FTRADER")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.WrapErr(types.ErrKindConfig, "config.Load", err)
		}
	}

	var app App
	if err := v.Unmarshal(&app); err != nil {
		return nil, types.WrapErr(types.ErrKindConfig, "config.Load", err)
	}
	return &app, nil
}

// LoadCredentials loads venue and LLM credentials from the environment,
// consulting a .env file when present.
func LoadCredentials() Credentials {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FTRADER")
	v.AutomaticEnv()
	v.BindEnv("apiKey", "FTRADER_API_KEY")
	v.BindEnv("apiSecret", "FTRADER_API_SECRET")
	v.BindEnv("llmApiKey", "FTRADER_LLM_API_KEY")

	return Credentials{
		APIKey:    v.GetString("apiKey"),
		APISecret: v.GetString("apiSecret"),
		LLMAPIKey: v.GetString("llmApiKey"),
	}
}
