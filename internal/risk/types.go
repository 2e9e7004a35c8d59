package risk

import (
	"time"

	"quorum-trader/internal/ensemble"
)

// 验证流水线的拒绝原因码，每个检查项对应唯一一个。
const (
	ReasonDecisionRejected    = "decision_rejected"
	ReasonLowConfidence       = "low_confidence"
	ReasonNonPositiveEV       = "non_positive_ev"
	ReasonMaxExposure         = "max_exposure"
	ReasonDailyTradeLimit     = "daily_trade_limit"
	ReasonTradeInterval       = "trade_interval"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonCircuitBreaker      = "circuit_breaker"
	ReasonDailyLossLimit      = "daily_loss_limit"
	ReasonEmergencyShutdown   = "emergency_shutdown"
)

// Position 描述当前持有的唯一仓位。
type Position struct {
	Symbol      string          `json:"symbol"`
	Action      ensemble.Action `json:"action"`
	EntryPrice  float64         `json:"entry_price"`
	NotionalUSD float64         `json:"notional_usd"`
	Quantity    float64         `json:"quantity"`
	StopLoss    float64         `json:"stop_loss"`
	TakeProfit  float64         `json:"take_profit"`
	Models      []string        `json:"models"`
	RawScores   []float64       `json:"raw_scores"`
	OpenedAt    time.Time       `json:"opened_at"`
}

// AccountState 表示账户资金状况，由风险管理器独占持有并修改。
type AccountState struct {
	Balance            float64         `json:"balance"`
	Equity             float64         `json:"equity"`
	OpenPosition       *Position       `json:"open_position,omitempty"`
	DailyRealizedPnL   float64         `json:"daily_realized_pnl"`
	DailyUnrealizedPnL float64         `json:"daily_unrealized_pnl"`
	ConsecutiveLosses  int             `json:"consecutive_losses"`
	CircuitBreaker     BreakerSnapshot `json:"circuit_breaker"`
	EmergencyShutdown  bool            `json:"emergency_shutdown"`
}

// ValidationResult 为一次验证调用的产物，拒绝永远以结果表达，不抛错误。
// 仓位以 USD 名义价值表达，换算成数量由执行方按成交价完成。
type ValidationResult struct {
	Approved        bool    `json:"approved"`
	PositionSize    float64 `json:"position_size"` // USD 名义价值
	MethodUsed      string  `json:"method_used"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
}

// Settlement 为执行协作方回报的平仓结果。
type Settlement struct {
	Symbol     string    `json:"symbol"`
	PnL        float64   `json:"pnl"`
	PnLPercent float64   `json:"pnl_percent"`
	Won        bool      `json:"won"`
	ExitPrice  float64   `json:"exit_price"`
	ClosedAt   time.Time `json:"closed_at"`
}

// DailyStatus 表示当日风控状态。
type DailyStatus struct {
	TradingDate   string  `json:"trading_date"`
	StartEquity   float64 `json:"start_equity"`
	CurrentEquity float64 `json:"current_equity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	TradeCount    int     `json:"trade_count"`
	LossPercent   float64 `json:"loss_percent"`
	Halted        bool    `json:"halted"`
}
