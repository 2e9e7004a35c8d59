package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "quorum"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.symbol", "BTC/USDT:USDT")
	v.SetDefault("app.initial_balance_usd", 10000.0)

	v.SetDefault("models.request_timeout", "5s")
	v.SetDefault("models.retrain_enabled", true)
	v.SetDefault("models.retrain_timeout", "10s")

	v.SetDefault("ensemble.min_responding_models", 2)
	v.SetDefault("ensemble.weight_half_life", "24h")
	v.SetDefault("ensemble.prior_variance", 0.25)
	v.SetDefault("ensemble.confidence_threshold", 0.70)
	v.SetDefault("ensemble.disagreement_threshold", 0.30)
	v.SetDefault("ensemble.expected_value_threshold", 0.0)
	v.SetDefault("ensemble.slippage_bps", 5)
	v.SetDefault("ensemble.taker_fee_bps", 4)
	v.SetDefault("ensemble.stop_loss_atr_multiple", 2.0)
	v.SetDefault("ensemble.take_profit_atr_multiple", 4.0)

	v.SetDefault("meta.enabled", false)
	v.SetDefault("meta.base_url", "https://api.openai.com/v1")
	v.SetDefault("meta.model", "gpt-4.1-mini")
	v.SetDefault("meta.timeout", "10s")
	v.SetDefault("meta.blend_weight", 0.3)

	v.SetDefault("risk.sizing.method", "kelly")
	v.SetDefault("risk.sizing.fraction", 0.10)
	v.SetDefault("risk.sizing.kelly_multiplier", 0.25)
	v.SetDefault("risk.sizing.kelly_min_samples", 20)
	v.SetDefault("risk.sizing.max_fraction", 0.25)
	v.SetDefault("risk.sizing.fixed_amount_usd", 1000)
	v.SetDefault("risk.sizing.min_notional_usd", 10)
	v.SetDefault("risk.sizing.leverage", 1)
	v.SetDefault("risk.sizing.margin_reserve", 0.10)
	v.SetDefault("risk.confidence_threshold", 0.70)
	v.SetDefault("risk.max_exposure_fraction", 0.50)
	v.SetDefault("risk.max_daily_trades", 20)
	v.SetDefault("risk.min_trade_interval", "5m")
	v.SetDefault("risk.max_daily_loss_percent", 0.10)
	v.SetDefault("risk.max_daily_loss_usd", 500)
	v.SetDefault("risk.emergency_shutdown_loss_percent", 0.20)
	v.SetDefault("risk.max_hold_duration", "24h")
	v.SetDefault("risk.daily_reset_hour", 0)
	v.SetDefault("risk.breaker.consecutive_losses", 5)
	v.SetDefault("risk.breaker.cooldown_base", "1h")
	v.SetDefault("risk.breaker.cooldown_max", "8h")
	v.SetDefault("risk.breaker.trip_window", "24h")
	v.SetDefault("risk.performance_window", 100)

	v.SetDefault("market.exchange", "binanceusdm")
	v.SetDefault("market.symbol", "BTC/USDT:USDT")
	v.SetDefault("market.use_sandbox", false)
	v.SetDefault("market.candle_limit", 100)
	v.SetDefault("market.retry.max_attempts", 5)
	v.SetDefault("market.retry.min_delay", "500ms")
	v.SetDefault("market.retry.max_delay", "5s")

	v.SetDefault("calibration.min_samples", 50)
	v.SetDefault("calibration.max_samples", 1000)
	v.SetDefault("calibration.refit_every", 25)

	v.SetDefault("database.path", "data/quorum_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.cycle_interval", "5m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
