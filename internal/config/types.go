package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Models      ModelsConfig      `mapstructure:"models"`
	Ensemble    EnsembleConfig    `mapstructure:"ensemble"`
	Meta        MetaConfig        `mapstructure:"meta"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Market      MarketConfig      `mapstructure:"market"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment       string  `mapstructure:"environment"`
	Symbol            string  `mapstructure:"symbol"`
	InitialBalanceUSD float64 `mapstructure:"initial_balance_usd"`
}

// ModelEndpoint 描述单个推理模型服务。
type ModelEndpoint struct {
	Name       string  `mapstructure:"name"`
	URL        string  `mapstructure:"url"`
	BaseWeight float64 `mapstructure:"base_weight"`
	Enabled    bool    `mapstructure:"enabled"`
}

// ModelsConfig 管理推理模型集群的访问参数。
type ModelsConfig struct {
	Endpoints      []ModelEndpoint `mapstructure:"endpoints"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RetrainEnabled bool            `mapstructure:"retrain_enabled"`
	RetrainTimeout time.Duration   `mapstructure:"retrain_timeout"`
}

// EnsembleConfig 管理决策引擎参数。
type EnsembleConfig struct {
	MinRespondingModels    int           `mapstructure:"min_responding_models"`
	WeightHalfLife         time.Duration `mapstructure:"weight_half_life"`
	PriorVariance          float64       `mapstructure:"prior_variance"`
	ConfidenceThreshold    float64       `mapstructure:"confidence_threshold"`
	DisagreementThreshold  float64       `mapstructure:"disagreement_threshold"`
	ExpectedValueThreshold float64       `mapstructure:"expected_value_threshold"`
	SlippageBps            float64       `mapstructure:"slippage_bps"`
	TakerFeeBps            float64       `mapstructure:"taker_fee_bps"`
	StopLossATRMultiple    float64       `mapstructure:"stop_loss_atr_multiple"`
	TakeProfitATRMultiple  float64       `mapstructure:"take_profit_atr_multiple"`
}

// MetaConfig 管理二级融合模型参数。
type MetaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BlendWeight float64       `mapstructure:"blend_weight"`
}

// SizingConfig 管理仓位计算参数。
type SizingConfig struct {
	Method          string  `mapstructure:"method"`
	Fraction        float64 `mapstructure:"fraction"`
	KellyMultiplier float64 `mapstructure:"kelly_multiplier"`
	KellyMinSamples int     `mapstructure:"kelly_min_samples"`
	MaxFraction     float64 `mapstructure:"max_fraction"`
	FixedAmountUSD  float64 `mapstructure:"fixed_amount_usd"`
	MinNotionalUSD  float64 `mapstructure:"min_notional_usd"`
	Leverage        float64 `mapstructure:"leverage"`
	MarginReserve   float64 `mapstructure:"margin_reserve"`
}

// BreakerConfig 管理熔断器参数。
type BreakerConfig struct {
	ConsecutiveLosses int           `mapstructure:"consecutive_losses"`
	CooldownBase      time.Duration `mapstructure:"cooldown_base"`
	CooldownMax       time.Duration `mapstructure:"cooldown_max"`
	TripWindow        time.Duration `mapstructure:"trip_window"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	Sizing                SizingConfig  `mapstructure:"sizing"`
	ConfidenceThreshold   float64       `mapstructure:"confidence_threshold"`
	MaxExposureFraction   float64       `mapstructure:"max_exposure_fraction"`
	MaxDailyTrades        int           `mapstructure:"max_daily_trades"`
	MinTradeInterval      time.Duration `mapstructure:"min_trade_interval"`
	MaxDailyLossPercent   float64       `mapstructure:"max_daily_loss_percent"`
	MaxDailyLossUSD       float64       `mapstructure:"max_daily_loss_usd"`
	EmergencyShutdownLoss float64       `mapstructure:"emergency_shutdown_loss_percent"`
	MaxHoldDuration       time.Duration `mapstructure:"max_hold_duration"`
	DailyResetHour        int           `mapstructure:"daily_reset_hour"`
	Breaker               BreakerConfig `mapstructure:"breaker"`
	PerformanceWindow     int           `mapstructure:"performance_window"`
}

// MarketConfig 描述行情数据来源。
type MarketConfig struct {
	Exchange    string      `mapstructure:"exchange"`
	Symbol      string      `mapstructure:"symbol"`
	APIKey      string      `mapstructure:"api_key"`
	APISecret   string      `mapstructure:"api_secret"`
	UseSandbox  bool        `mapstructure:"use_sandbox"`
	CandleLimit int         `mapstructure:"candle_limit"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// CalibrationConfig 管理概率校准参数。
type CalibrationConfig struct {
	MinSamples int `mapstructure:"min_samples"`
	MaxSamples int `mapstructure:"max_samples"`
	RefitEvery int `mapstructure:"refit_every"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制决策周期节奏。
type SchedulerConfig struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
}

// Validate 在启动期校验配置，非法组合直接拒绝，不留到决策期。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.Symbol == "" {
		err = multierr.Append(err, errors.New("app.symbol 不能为空"))
	}
	if c.App.InitialBalanceUSD <= 0 {
		err = multierr.Append(err, errors.New("app.initial_balance_usd 必须大于0"))
	}

	if len(c.Models.Endpoints) == 0 {
		err = multierr.Append(err, errors.New("models.endpoints 至少配置一个模型"))
	}
	for i, ep := range c.Models.Endpoints {
		if ep.Name == "" {
			err = multierr.Append(err, fmt.Errorf("models.endpoints[%d].name 不能为空", i))
		}
		if ep.URL == "" {
			err = multierr.Append(err, fmt.Errorf("models.endpoints[%d].url 不能为空", i))
		}
		if ep.BaseWeight <= 0 {
			err = multierr.Append(err, fmt.Errorf("models.endpoints[%d].base_weight 必须大于0", i))
		}
	}
	if c.Models.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("models.request_timeout 必须大于0"))
	}
	if c.Models.RetrainEnabled && c.Models.RetrainTimeout <= 0 {
		err = multierr.Append(err, errors.New("models.retrain_timeout 必须大于0 (retrain_enabled=true)"))
	}

	if c.Ensemble.MinRespondingModels < 1 {
		err = multierr.Append(err, errors.New("ensemble.min_responding_models 必须大于等于1"))
	}
	if c.Ensemble.WeightHalfLife <= 0 {
		err = multierr.Append(err, errors.New("ensemble.weight_half_life 必须大于0"))
	}
	if c.Ensemble.PriorVariance <= 0 {
		err = multierr.Append(err, errors.New("ensemble.prior_variance 必须大于0"))
	}
	if c.Ensemble.ConfidenceThreshold <= 0 || c.Ensemble.ConfidenceThreshold > 1 {
		err = multierr.Append(err, errors.New("ensemble.confidence_threshold 必须位于(0,1]"))
	}
	if c.Ensemble.DisagreementThreshold <= 0 {
		err = multierr.Append(err, errors.New("ensemble.disagreement_threshold 必须大于0"))
	}
	if c.Ensemble.SlippageBps < 0 || c.Ensemble.TakerFeeBps < 0 {
		err = multierr.Append(err, errors.New("ensemble 交易成本参数不能为负"))
	}
	if c.Ensemble.StopLossATRMultiple <= 0 || c.Ensemble.TakeProfitATRMultiple <= 0 {
		err = multierr.Append(err, errors.New("ensemble 止损/止盈ATR倍数必须大于0"))
	}

	if c.Meta.Enabled {
		if c.Meta.APIKey == "" {
			err = multierr.Append(err, errors.New("meta.api_key 不能为空 (meta.enabled=true)"))
		}
		if c.Meta.Model == "" {
			err = multierr.Append(err, errors.New("meta.model 不能为空 (meta.enabled=true)"))
		}
		if c.Meta.Timeout <= 0 {
			err = multierr.Append(err, errors.New("meta.timeout 必须大于0"))
		}
		if c.Meta.BlendWeight < 0 || c.Meta.BlendWeight > 1 {
			err = multierr.Append(err, errors.New("meta.blend_weight 必须位于[0,1]"))
		}
	}

	switch c.Risk.Sizing.Method {
	case "fixed_fraction", "kelly", "fixed_amount":
	default:
		err = multierr.Append(err, fmt.Errorf("risk.sizing.method 取值非法: %q", c.Risk.Sizing.Method))
	}
	if c.Risk.Sizing.Fraction <= 0 || c.Risk.Sizing.Fraction > 1 {
		err = multierr.Append(err, errors.New("risk.sizing.fraction 必须位于(0,1]"))
	}
	if c.Risk.Sizing.KellyMultiplier <= 0 || c.Risk.Sizing.KellyMultiplier > 1 {
		err = multierr.Append(err, errors.New("risk.sizing.kelly_multiplier 必须位于(0,1]"))
	}
	if c.Risk.Sizing.KellyMinSamples < 0 {
		err = multierr.Append(err, errors.New("risk.sizing.kelly_min_samples 不能为负"))
	}
	if c.Risk.Sizing.MaxFraction <= 0 || c.Risk.Sizing.MaxFraction > 1 {
		err = multierr.Append(err, errors.New("risk.sizing.max_fraction 必须位于(0,1]"))
	}
	if c.Risk.Sizing.Method == "fixed_amount" && c.Risk.Sizing.FixedAmountUSD <= 0 {
		err = multierr.Append(err, errors.New("risk.sizing.fixed_amount_usd 必须大于0 (method=fixed_amount)"))
	}
	if c.Risk.Sizing.MinNotionalUSD < 0 {
		err = multierr.Append(err, errors.New("risk.sizing.min_notional_usd 不能为负"))
	}
	if c.Risk.Sizing.Leverage < 1 {
		err = multierr.Append(err, errors.New("risk.sizing.leverage 必须大于等于1"))
	}
	if c.Risk.Sizing.MarginReserve < 0 || c.Risk.Sizing.MarginReserve >= 1 {
		err = multierr.Append(err, errors.New("risk.sizing.margin_reserve 必须位于[0,1)"))
	}
	if c.Risk.ConfidenceThreshold <= 0 || c.Risk.ConfidenceThreshold > 1 {
		err = multierr.Append(err, errors.New("risk.confidence_threshold 必须位于(0,1]"))
	}
	if c.Risk.MaxExposureFraction <= 0 || c.Risk.MaxExposureFraction > 1 {
		err = multierr.Append(err, errors.New("risk.max_exposure_fraction 必须位于(0,1]"))
	}
	if c.Risk.MaxDailyTrades <= 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_trades 必须大于0"))
	}
	if c.Risk.MinTradeInterval < 0 {
		err = multierr.Append(err, errors.New("risk.min_trade_interval 不能为负"))
	}
	if c.Risk.MaxDailyLossPercent <= 0 || c.Risk.MaxDailyLossPercent > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss_percent 必须位于(0,1]"))
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss_usd 必须大于0"))
	}
	if c.Risk.EmergencyShutdownLoss <= c.Risk.MaxDailyLossPercent {
		err = multierr.Append(err, errors.New("risk.emergency_shutdown_loss_percent 必须大于 max_daily_loss_percent"))
	}
	if c.Risk.EmergencyShutdownLoss > 1 {
		err = multierr.Append(err, errors.New("risk.emergency_shutdown_loss_percent 不能大于1"))
	}
	if c.Risk.MaxHoldDuration <= 0 {
		err = multierr.Append(err, errors.New("risk.max_hold_duration 必须大于0"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}
	if c.Risk.Breaker.ConsecutiveLosses <= 0 {
		err = multierr.Append(err, errors.New("risk.breaker.consecutive_losses 必须大于0"))
	}
	if c.Risk.Breaker.CooldownBase <= 0 {
		err = multierr.Append(err, errors.New("risk.breaker.cooldown_base 必须大于0"))
	}
	if c.Risk.Breaker.CooldownMax < c.Risk.Breaker.CooldownBase {
		err = multierr.Append(err, errors.New("risk.breaker.cooldown_max 不能小于 cooldown_base"))
	}
	if c.Risk.Breaker.TripWindow <= 0 {
		err = multierr.Append(err, errors.New("risk.breaker.trip_window 必须大于0"))
	}
	if c.Risk.PerformanceWindow <= 0 {
		err = multierr.Append(err, errors.New("risk.performance_window 必须大于0"))
	}

	if c.Market.Exchange == "" {
		err = multierr.Append(err, errors.New("market.exchange 不能为空"))
	}
	if c.Market.Symbol == "" {
		err = multierr.Append(err, errors.New("market.symbol 不能为空"))
	}
	if c.Market.CandleLimit <= 0 {
		err = multierr.Append(err, errors.New("market.candle_limit 必须大于0"))
	}
	if c.Market.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("market.retry.max_attempts 必须大于0"))
	}
	if c.Market.Retry.MinDelay <= 0 || c.Market.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("market.retry.delay 必须为正"))
	}
	if c.Market.Retry.MinDelay > c.Market.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("market.retry.min_delay 不能大于 max_delay"))
	}

	if c.Calibration.MinSamples <= 0 {
		err = multierr.Append(err, errors.New("calibration.min_samples 必须大于0"))
	}
	if c.Calibration.MaxSamples < c.Calibration.MinSamples {
		err = multierr.Append(err, errors.New("calibration.max_samples 不能小于 min_samples"))
	}
	if c.Calibration.RefitEvery <= 0 {
		err = multierr.Append(err, errors.New("calibration.refit_every 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.CycleInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cycle_interval 必须大于0"))
	}
	if c.Scheduler.CycleInterval < c.Models.RequestTimeout {
		err = multierr.Append(err, errors.New("scheduler.cycle_interval 不应小于 models.request_timeout"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
